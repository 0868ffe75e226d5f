// Package discovery keeps the registry's machine set and machine records in
// line with the machines reported by the hypermedia gateway and emits an
// event for every transition it observes.
//
// Two sub-ticks run on independent schedules. The presence sub-tick adds new
// machines and tracks state changes; the absence sub-tick compares the
// current observation against its own previous one to detect removals.
package discovery

import (
	"context"
	"errors"
	"fablab/internal/event"
	"fablab/internal/registry"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	subtickPresence = "presence"
	subtickAbsence  = "absence"
)

// Emitter accepts events for asynchronous delivery. dispatcher.Dispatcher satisfies it.
type Emitter interface {
	Dispatch(msg *event.Message) error
}

// MetricsRecorder receives discovery metrics.
type MetricsRecorder interface {
	RecordDiscoveryCycle(ctx context.Context, subtick, result string)
	RecordDiscoveryEvent(ctx context.Context, eventType string)
	RecordMachinesKnown(ctx context.Context, n int64)
}

// Loop is the reconciliation loop.
type Loop struct {
	cfg     Config
	store   registry.Store
	fetcher Fetcher
	emitter Emitter
	metrics MetricsRecorder
	logger  *slog.Logger

	// OnChange is called after a sub-tick that modified the registry.
	OnChange func(ctx context.Context)

	// Owned by the absence sub-tick.
	previous     map[string]struct{}
	facilityDown bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a loop. metrics may be nil.
func New(cfg Config, store registry.Store, fetcher Fetcher, emitter Emitter, metrics MetricsRecorder) *Loop {
	return &Loop{
		cfg:      cfg.withDefaults(),
		store:    store,
		fetcher:  fetcher,
		emitter:  emitter,
		metrics:  metrics,
		logger:   slog.With("component", "discovery"),
		previous: make(map[string]struct{}),
	}
}

// Start runs both sub-ticks until Stop is called or ctx is cancelled. Each
// sub-tick runs once immediately and then every interval.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(2)
	go l.schedule(ctx, subtickPresence, l.PresenceTick)
	go l.schedule(ctx, subtickAbsence, l.AbsenceTick)

	l.logger.Info("Discovery started", "gateway", l.cfg.GatewayURL, "interval", l.cfg.Interval)
}

// Stop cancels both sub-ticks and waits for an in-flight cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
	l.logger.Info("Discovery stopped")
}

func (l *Loop) schedule(ctx context.Context, name string, tick func(context.Context) error) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := tick(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("Discovery cycle failed", "subtick", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Teardown removes every machine record and the machine set from the registry.
func (l *Loop) Teardown(ctx context.Context) error {
	n, err := registry.DrainMachines(ctx, l.store)
	l.logger.Info("Machine registry drained", "machines", n)
	return err
}

// PresenceTick runs one presence cycle.
func (l *Loop) PresenceTick(ctx context.Context) error {
	topo, err := l.FetchTopology(ctx)
	if err != nil {
		l.recordCycle(ctx, subtickPresence, "unreachable")
		return err
	}
	emit := l.newEmitter(ctx)

	var (
		mu      sync.Mutex
		changed bool
	)
	var g errgroup.Group
	g.SetLimit(l.cfg.Concurrency)
	for _, rec := range topo.Machines {
		g.Go(func() error {
			c, err := l.reconcileMachine(ctx, rec, emit)
			if err != nil {
				l.logger.Error("Failed to reconcile machine", "machineId", rec.ID, "error", err)
				return err
			}
			if c {
				mu.Lock()
				changed = true
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()

	if changed {
		l.notifyChange(ctx)
	}
	if err != nil {
		l.recordCycle(ctx, subtickPresence, "error")
		return err
	}
	l.recordCycle(ctx, subtickPresence, "ok")
	return nil
}

// reconcileMachine applies one observation and reports whether the registry changed.
func (l *Loop) reconcileMachine(ctx context.Context, rec MachineRecord, emit *cycleEmitter) (bool, error) {
	added, err := l.store.SetAdd(ctx, registry.MachineSetKey, rec.ID)
	if err != nil {
		return false, err
	}
	key := registry.MachineKey(rec.ID)

	if added {
		if err := l.store.HashSet(ctx, key, rec.ToHash()); err != nil {
			return true, err
		}
		l.logger.Info("Machine discovered", "machineId", rec.ID, "type", rec.Type, "state", rec.State)
		emit.serviceUp(rec.ID)
		return true, nil
	}

	prev, ok, err := l.store.HashGetAll(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		// Member without a record, e.g. written by an older instance.
		return true, l.store.HashSet(ctx, key, rec.ToHash())
	}
	if prev[FieldState] == rec.State {
		return false, nil
	}
	if err := l.store.HashSet(ctx, key, map[string]string{FieldState: rec.State}); err != nil {
		return false, err
	}
	l.logger.Info("Machine state changed", "machineId", rec.ID, "from", prev[FieldState], "to", rec.State)
	emit.stateChange(rec.ID, rec.State)
	return true, nil
}

// AbsenceTick runs one absence cycle.
func (l *Loop) AbsenceTick(ctx context.Context) error {
	topo, err := l.FetchTopology(ctx)
	if err != nil {
		l.recordCycle(ctx, subtickAbsence, "unreachable")
		return err
	}
	emit := l.newEmitter(ctx)

	if topo.Links == 0 {
		if err := l.mergeMembers(ctx); err != nil {
			l.recordCycle(ctx, subtickAbsence, "error")
			return err
		}
		changed, err := l.facilityUnreachable(ctx, emit)
		if changed {
			l.notifyChange(ctx)
		}
		if err != nil {
			l.recordCycle(ctx, subtickAbsence, "error")
			return err
		}
		l.recordCycle(ctx, subtickAbsence, "down")
		return nil
	}
	l.facilityDown = false

	if !topo.Complete() {
		l.recordCycle(ctx, subtickAbsence, "partial")
		return nil
	}

	if err := l.mergeMembers(ctx); err != nil {
		l.recordCycle(ctx, subtickAbsence, "error")
		return err
	}

	observed := topo.IDs()
	var errs []error
	changed := false
	for id := range l.previous {
		if _, ok := observed[id]; ok {
			continue
		}
		removed, err := l.removeMachine(ctx, id)
		if err != nil {
			errs = append(errs, err)
			l.logger.Error("Failed to remove machine", "machineId", id, "error", err)
			// Keep it so the removal is retried on the next cycle.
			observed[id] = struct{}{}
			continue
		}
		if removed {
			changed = true
			l.logger.Info("Machine gone", "machineId", id)
			emit.serviceDown(id)
		}
	}
	l.previous = observed

	if changed {
		l.notifyChange(ctx)
	}
	if l.metrics != nil {
		l.metrics.RecordMachinesKnown(ctx, int64(len(observed)))
	}
	if err := errors.Join(errs...); err != nil {
		l.recordCycle(ctx, subtickAbsence, "error")
		return err
	}
	l.recordCycle(ctx, subtickAbsence, "ok")
	return nil
}

// mergeMembers adds the registry's machine set to the previous observation.
// Presence may register a machine that no absence pass has observed yet.
func (l *Loop) mergeMembers(ctx context.Context) error {
	ids, err := l.store.SetMembers(ctx, registry.MachineSetKey)
	if err != nil {
		return fmt.Errorf("read machine set: %w", err)
	}
	for _, id := range ids {
		l.previous[id] = struct{}{}
	}
	return nil
}

// facilityUnreachable handles a root without machine links: the previously
// known machines are removed without individual events and a single
// fabLabDown is emitted on the transition.
func (l *Loop) facilityUnreachable(ctx context.Context, emit *cycleEmitter) (bool, error) {
	var errs []error
	changed := false
	remaining := make(map[string]struct{})
	for id := range l.previous {
		removed, err := l.removeMachine(ctx, id)
		if err != nil {
			errs = append(errs, err)
			remaining[id] = struct{}{}
			continue
		}
		changed = changed || removed
	}
	l.previous = remaining

	if !l.facilityDown {
		l.facilityDown = true
		l.logger.Warn("Gateway reports no machines, facility down")
		emit.facilityDown()
	}
	if l.metrics != nil {
		l.metrics.RecordMachinesKnown(ctx, 0)
	}
	return changed, errors.Join(errs...)
}

// removeMachine drops id from the machine set and deletes its record. It
// reports whether the id was still a member.
func (l *Loop) removeMachine(ctx context.Context, id string) (bool, error) {
	existed, err := l.store.SetRemove(ctx, registry.MachineSetKey, id)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if _, err := l.store.Delete(ctx, registry.MachineKey(id)); err != nil {
		return true, err
	}
	return true, nil
}

// builder reads the facility identity. It returns nil when no facility id
// is known.
func (l *Loop) builder(ctx context.Context) *event.Builder {
	id, _, err := l.store.Get(ctx, registry.FacilityIDKey)
	if err != nil {
		l.logger.Warn("Cannot read facility id", "error", err)
	}
	if id == "" {
		id = l.cfg.FacilityID
	}
	if id == "" {
		return nil
	}
	token, _, err := l.store.Get(ctx, registry.TokenKey)
	if err != nil {
		l.logger.Warn("Cannot read facility token", "error", err)
	}
	return event.NewBuilder(id, token)
}

// cycleEmitter sends the events of one cycle. The facility identity is read
// at most once per cycle, on the first event.
type cycleEmitter struct {
	l        *Loop
	ctx      context.Context
	identity func() *event.Builder
}

func (l *Loop) newEmitter(ctx context.Context) *cycleEmitter {
	return &cycleEmitter{
		l:        l,
		ctx:      ctx,
		identity: sync.OnceValue(func() *event.Builder { return l.builder(ctx) }),
	}
}

func (e *cycleEmitter) serviceUp(id string) {
	e.emit(event.ServiceUp, id, func(b *event.Builder) *event.Message { return b.ServiceUp(id) })
}

func (e *cycleEmitter) serviceDown(id string) {
	e.emit(event.ServiceDown, id, func(b *event.Builder) *event.Message { return b.ServiceDown(id) })
}

func (e *cycleEmitter) stateChange(id, state string) {
	e.emit(event.MachineStateChange, id, func(b *event.Builder) *event.Message { return b.StateChange(id, state) })
}

func (e *cycleEmitter) facilityDown() {
	e.emit(event.FabLabDown, "", func(b *event.Builder) *event.Message { return b.FacilityDown() })
}

func (e *cycleEmitter) emit(t event.Type, machineID string, build func(*event.Builder) *event.Message) {
	b := e.identity()
	if b == nil {
		e.l.logger.Warn("Facility id unknown, event not sent", "event", t, "machineId", machineID)
		return
	}
	if e.l.metrics != nil {
		e.l.metrics.RecordDiscoveryEvent(e.ctx, string(t))
	}
	if err := e.l.emitter.Dispatch(build(b)); err != nil {
		e.l.logger.Error("Failed to dispatch event", "event", t, "machineId", machineID, "error", err)
	}
}

func (l *Loop) notifyChange(ctx context.Context) {
	if l.OnChange != nil {
		l.OnChange(ctx)
	}
}

func (l *Loop) recordCycle(ctx context.Context, subtick, result string) {
	if l.metrics != nil {
		l.metrics.RecordDiscoveryCycle(ctx, subtick, result)
	}
}
