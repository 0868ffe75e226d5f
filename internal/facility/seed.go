package facility

import (
	"context"
	"errors"
	"fablab/internal/registry"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Description is the YAML document accepted by Seed.
type Description struct {
	ID          string            `yaml:"id"`
	Token       string            `yaml:"token"`
	Name        string            `yaml:"name"`
	Web         string            `yaml:"web"`
	API         string            `yaml:"api"`
	Quota       *int64            `yaml:"quota"`
	Address     map[string]string `yaml:"address"`
	Geoposition map[string]string `yaml:"geoposition"`
	Contact     map[string]string `yaml:"contact"`
	OpeningDays []OpeningDay      `yaml:"openingDays"`
	Materials   map[string]int    `yaml:"materials"`
}

// Validate checks the fields required to operate the facility.
func (d *Description) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if d.Quota != nil && *d.Quota < 0 {
		errs = append(errs, errors.New("quota must not be negative"))
	}
	for m := range d.Materials {
		if !slices.Contains(registry.Materials, m) {
			errs = append(errs, fmt.Errorf("unknown material %q", m))
		}
	}
	for _, od := range d.OpeningDays {
		if od.Day == "" {
			errs = append(errs, errors.New("opening day without a day name"))
		}
	}
	return errors.Join(errs...)
}

// ParseDescription decodes and validates a YAML facility description.
func ParseDescription(r io.Reader) (*Description, error) {
	var d Description
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode facility description: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid facility description: %w", err)
	}
	return &d, nil
}

// Seed writes a YAML facility description into the registry.
func Seed(ctx context.Context, store registry.Store, r io.Reader) (*Description, error) {
	d, err := ParseDescription(r)
	if err != nil {
		return nil, err
	}

	strs := map[string]string{
		registry.FacilityIDKey: d.ID,
		registry.TokenKey:      d.Token,
		registry.NameKey:       d.Name,
		registry.WebKey:        d.Web,
		registry.APIKey:        d.API,
	}
	if d.Quota != nil {
		strs[registry.QuotaLimitKey] = strconv.FormatInt(*d.Quota, 10)
	}
	for m, qty := range d.Materials {
		strs[registry.MaterialKey(m)] = strconv.Itoa(qty)
	}
	for k, v := range strs {
		if v == "" {
			continue
		}
		if err := store.Set(ctx, k, v); err != nil {
			return nil, fmt.Errorf("seed %s: %w", k, err)
		}
	}

	for k, h := range map[string]map[string]string{
		registry.AddressKey:     d.Address,
		registry.GeopositionKey: d.Geoposition,
		registry.ContactKey:     d.Contact,
	} {
		if len(h) == 0 {
			continue
		}
		if err := store.HashSet(ctx, k, h); err != nil {
			return nil, fmt.Errorf("seed %s: %w", k, err)
		}
	}

	for i, od := range d.OpeningDays {
		if err := store.SortedAdd(ctx, registry.OpeningDaysKey, float64(i), od.Day); err != nil {
			return nil, fmt.Errorf("seed opening days: %w", err)
		}
		if err := store.HashSet(ctx, registry.OpeningDayKey(od.Day), map[string]string{"from": od.From, "to": od.To}); err != nil {
			return nil, fmt.Errorf("seed opening day %s: %w", od.Day, err)
		}
	}
	return d, nil
}

// SeedFile seeds the registry from a YAML file on disk.
func SeedFile(ctx context.Context, store registry.Store, path string) (*Description, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open facility seed: %w", err)
	}
	defer f.Close()
	return Seed(ctx, store, f)
}
