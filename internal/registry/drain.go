package registry

import (
	"context"
	"errors"
	"fmt"
)

// DrainMachines deletes every machine record listed in the machine set and
// then the set itself. It keeps going past individual failures and returns
// them joined.
func DrainMachines(ctx context.Context, s Store) (int, error) {
	ids, err := s.SetMembers(ctx, MachineSetKey)
	if err != nil {
		return 0, fmt.Errorf("list machines: %w", err)
	}

	var errs []error
	drained := 0
	for _, id := range ids {
		n, err := s.Delete(ctx, MachineKey(id))
		if err != nil {
			errs = append(errs, fmt.Errorf("delete machine %s: %w", id, err))
			continue
		}
		drained += int(n)
	}
	if _, err := s.Delete(ctx, MachineSetKey); err != nil {
		errs = append(errs, fmt.Errorf("delete machine set: %w", err))
	}
	return drained, errors.Join(errs...)
}
