package facility

import (
	"context"
	"encoding/json"
	"fablab/internal/discovery"
	"fablab/internal/machineapi"
	"fablab/internal/registry"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// JobLister lists the jobs of a machine. *machineapi.Client satisfies it.
type JobLister interface {
	Login(ctx context.Context, base string) (string, error)
	ListJobs(ctx context.Context, base, token string) (*machineapi.Response, error)
}

// Options selects the optional parts of a snapshot.
type Options struct {
	// IncludeJobs queries every machine for its job list.
	IncludeJobs bool
	// Concurrency bounds parallel registry reads and machine calls.
	Concurrency int
}

// Assembler builds snapshots from the registry.
type Assembler struct {
	store  registry.Store
	jobs   JobLister
	opts   Options
	logger *slog.Logger
}

// NewAssembler creates an assembler. jobs may be nil when IncludeJobs is false.
func NewAssembler(store registry.Store, jobs JobLister, opts Options) *Assembler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Assembler{
		store:  store,
		jobs:   jobs,
		opts:   opts,
		logger: slog.With("component", "facility"),
	}
}

// Assemble reads the facility from the registry. Registry failures abort the
// whole snapshot; failures talking to individual machines only drop that
// machine's job listing.
func (a *Assembler) Assemble(ctx context.Context) (*Snapshot, error) {
	id, ok, err := a.store.Get(ctx, registry.FacilityIDKey)
	if err != nil {
		return nil, fmt.Errorf("read facility id: %w", err)
	}
	if !ok || id == "" {
		return nil, ErrNotConfigured
	}

	snap := &Snapshot{Facility: Facility{ID: id}}
	f := &snap.Facility

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)

	for key, dst := range map[string]*string{
		registry.NameKey: &f.Name,
		registry.WebKey:  &f.Web,
		registry.APIKey:  &f.API,
	} {
		g.Go(func() error {
			v, _, err := a.store.Get(gctx, key)
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			*dst = v
			return nil
		})
	}
	for key, dst := range map[string]*map[string]string{
		registry.AddressKey:     &f.Address,
		registry.GeopositionKey: &f.Coordinates,
		registry.ContactKey:     &f.Contact,
	} {
		g.Go(func() error {
			h, _, err := a.store.HashGetAll(gctx, key)
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			*dst = h
			return nil
		})
	}
	g.Go(func() (err error) {
		f.OpeningDays, err = a.openingDays(gctx)
		return err
	})
	g.Go(func() (err error) {
		f.Materials, err = a.materials(gctx)
		return err
	})
	g.Go(func() (err error) {
		f.Equipment, err = a.equipment(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.Jobs = Jobs{Details: []MachineJobs{}}
	if a.opts.IncludeJobs && a.jobs != nil {
		snap.Jobs = a.listJobs(ctx, f.Equipment)
	}
	return snap, nil
}

func (a *Assembler) openingDays(ctx context.Context) ([]OpeningDay, error) {
	days, err := a.store.SortedMembers(ctx, registry.OpeningDaysKey)
	if err != nil {
		return nil, fmt.Errorf("read opening days: %w", err)
	}
	out := make([]OpeningDay, 0, len(days))
	for _, day := range days {
		h, ok, err := a.store.HashGetAll(ctx, registry.OpeningDayKey(day))
		if err != nil {
			return nil, fmt.Errorf("read opening day %s: %w", day, err)
		}
		if !ok {
			continue
		}
		out = append(out, OpeningDay{Day: day, From: h["from"], To: h["to"]})
	}
	return out, nil
}

func (a *Assembler) materials(ctx context.Context) ([]Material, error) {
	out := make([]Material, 0, len(registry.Materials))
	for _, m := range registry.Materials {
		v, ok, err := a.store.Get(ctx, registry.MaterialKey(m))
		if err != nil {
			return nil, fmt.Errorf("read material %s: %w", m, err)
		}
		if ok {
			out = append(out, Material{Type: m, Quantity: v})
		}
	}
	return out, nil
}

// equipment lists registered machines in MachineSet order. Members whose
// record has already been deleted are skipped.
func (a *Assembler) equipment(ctx context.Context) ([]discovery.MachineRecord, error) {
	ids, err := a.store.SetMembers(ctx, registry.MachineSetKey)
	if err != nil {
		return nil, fmt.Errorf("read machine set: %w", err)
	}

	records := make([]*discovery.MachineRecord, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			h, ok, err := a.store.HashGetAll(gctx, registry.MachineKey(id))
			if err != nil {
				return fmt.Errorf("read machine %s: %w", id, err)
			}
			if !ok {
				return nil
			}
			if rec, ok := discovery.FromHash(h); ok {
				records[i] = &rec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]discovery.MachineRecord, 0, len(ids))
	for _, r := range records {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (a *Assembler) listJobs(ctx context.Context, machines []discovery.MachineRecord) Jobs {
	var (
		mu   sync.Mutex
		jobs = Jobs{Details: []MachineJobs{}}
		wg   sync.WaitGroup
		sem  = make(chan struct{}, a.opts.Concurrency)
	)
	for _, m := range machines {
		if m.URL == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			list, err := a.machineJobs(ctx, m)
			if err != nil {
				a.logger.Warn("Skipping job listing", "machineId", m.ID, "error", err)
				return
			}
			running, queued := countJobs(list)

			mu.Lock()
			defer mu.Unlock()
			jobs.Running += running
			jobs.Queued += queued
			jobs.Details = append(jobs.Details, MachineJobs{
				MachineID: m.ID,
				Type:      m.Type,
				Vendor:    m.Vendor,
				Jobs:      list,
			})
		}()
	}
	wg.Wait()

	sort.Slice(jobs.Details, func(i, j int) bool { return jobs.Details[i].MachineID < jobs.Details[j].MachineID })
	return jobs
}

func (a *Assembler) machineJobs(ctx context.Context, m discovery.MachineRecord) (json.RawMessage, error) {
	token, err := a.jobs.Login(ctx, m.URL)
	if err != nil {
		return nil, err
	}
	resp, err := a.jobs.ListJobs(ctx, m.URL, token)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("list jobs: machine returned %d", resp.StatusCode)
	}
	list, ok := resp.Field("jobs")
	if !ok {
		return json.RawMessage("[]"), nil
	}
	return list, nil
}

// countJobs tallies entries whose state or status is running or queued.
func countJobs(list json.RawMessage) (running, queued int) {
	var entries []map[string]any
	if err := json.Unmarshal(list, &entries); err != nil {
		return 0, 0
	}
	for _, e := range entries {
		state, _ := e["state"].(string)
		if state == "" {
			state, _ = e["status"].(string)
		}
		switch strings.ToLower(state) {
		case "running", "printing", "cutting":
			running++
		case "queued", "pending", "waiting":
			queued++
		}
	}
	return running, queued
}
