// Package quota enforces the facility-wide budget of API calls. The counter
// lives in the registry so every replica and request shares it; admission is
// a single atomic conditional decrement.
package quota

import (
	"context"
	"errors"
	"fablab/internal/apperrors"
	"fablab/internal/registry"
	"fmt"
	"log/slog"
	"strconv"
)

// Recorder receives admission outcomes.
type Recorder interface {
	RecordQuotaRejected(ctx context.Context)
	RecordQuotaRemaining(ctx context.Context, remaining int64)
}

// Controller admits or rejects API calls against the shared counter.
type Controller struct {
	store        registry.Store
	defaultLimit int64
	recorder     Recorder
	logger       *slog.Logger
}

// NewController creates a controller. defaultLimit applies when the registry
// holds no configured limit.
func NewController(store registry.Store, defaultLimit int64, recorder Recorder) *Controller {
	return &Controller{
		store:        store,
		defaultLimit: defaultLimit,
		recorder:     recorder,
		logger:       slog.With("component", "quota"),
	}
}

// Limit returns the configured monthly limit.
func (c *Controller) Limit(ctx context.Context) (int64, error) {
	v, ok, err := c.store.Get(ctx, registry.QuotaLimitKey)
	if err != nil {
		return 0, fmt.Errorf("read quota limit: %w", err)
	}
	if !ok {
		return c.defaultLimit, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		c.logger.Warn("Ignoring invalid configured quota limit", "value", v)
		return c.defaultLimit, nil
	}
	return n, nil
}

// Init sets the counter to the limit when it does not exist yet. An existing
// counter is left alone so restarts do not refill the budget.
func (c *Controller) Init(ctx context.Context) error {
	limit, err := c.Limit(ctx)
	if err != nil {
		return err
	}
	created, err := c.store.SetIfAbsent(ctx, registry.APICallsKey, strconv.FormatInt(limit, 10))
	if err != nil {
		return fmt.Errorf("initialise quota counter: %w", err)
	}
	if created {
		c.logger.Info("Quota counter initialised", "limit", limit)
	}
	return nil
}

// Admit consumes one call. It returns a quota error when the counter is
// already zero, leaving it unchanged.
func (c *Controller) Admit(ctx context.Context) error {
	remaining, ok, err := c.store.DecrementIfPositive(ctx, registry.APICallsKey)
	switch {
	case errors.Is(err, registry.ErrAbsent):
		return apperrors.Internal(apperrors.CodeRegistryRead, "quota.admit", errors.New("quota counter not initialised"))
	case err != nil:
		return apperrors.Internal(apperrors.CodeRegistryWrite, "quota.admit", err)
	}

	if c.recorder != nil {
		c.recorder.RecordQuotaRemaining(ctx, remaining)
	}
	if !ok {
		if c.recorder != nil {
			c.recorder.RecordQuotaRejected(ctx)
		}
		return apperrors.Quota()
	}
	return nil
}

// Remaining returns the current counter value.
func (c *Controller) Remaining(ctx context.Context) (int64, error) {
	v, ok, err := c.store.Get(ctx, registry.APICallsKey)
	if err != nil {
		return 0, apperrors.Internal(apperrors.CodeQuotaRead, "quota.remaining", err)
	}
	if !ok {
		return 0, apperrors.Internal(apperrors.CodeQuotaRead, "quota.remaining", errors.New("quota counter not initialised"))
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperrors.Internal(apperrors.CodeQuotaRead, "quota.remaining", err)
	}
	return n, nil
}

// Reset refills the counter to the configured limit.
func (c *Controller) Reset(ctx context.Context) error {
	limit, err := c.Limit(ctx)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, registry.APICallsKey, strconv.FormatInt(limit, 10)); err != nil {
		return fmt.Errorf("reset quota counter: %w", err)
	}
	if c.recorder != nil {
		c.recorder.RecordQuotaRemaining(ctx, limit)
	}
	c.logger.Info("Quota reset", "limit", limit)
	return nil
}
