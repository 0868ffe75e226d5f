// Package job routes job submissions to an eligible machine and relays
// status and cancellation requests to the machine that accepted the job.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fablab/internal/apperrors"
	"fablab/internal/machineapi"
	"fablab/internal/registry"
	"fmt"
	"log/slog"
	"strconv"
)

// Service is stateless; routes live in the registry so any instance can
// answer for a job submitted through another.
type Service struct {
	store    registry.Store
	quota    Admitter
	facility Snapshots
	machines Machines
	policy   Policy
	metrics  MetricsRecorder
}

// NewService creates a router. metrics may be nil.
func NewService(store registry.Store, quota Admitter, facility Snapshots, machines Machines, policy Policy, metrics MetricsRecorder) *Service {
	if policy == "" {
		policy = TypeMatch
	}
	return &Service{
		store:    store,
		quota:    quota,
		facility: facility,
		machines: machines,
		policy:   policy,
		metrics:  metrics,
	}
}

// Submit admits, validates and forwards a job. Staged uploads are removed
// before Submit returns, whatever the outcome.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (res *SubmitResult, err error) {
	defer req.Files.Cleanup()
	defer func() { s.record(ctx, OpSubmit, err) }()

	if err := s.quota.Admit(ctx); err != nil {
		return nil, err
	}
	if req.User == "" {
		return nil, apperrors.Validation(apperrors.CodeUndefinedUser, "user", "Undefined user")
	}
	if req.MachineType == "" {
		return nil, apperrors.Validation(apperrors.CodeUndefinedMachine, "machine", "Undefined machine")
	}
	if _, ok := req.Files.Get(FieldDesign); !ok {
		return nil, apperrors.Validation(apperrors.CodeMissingFile, FieldDesign, "Missing design file")
	}

	logger := slog.With("component", "router", "user", req.User, "machineType", req.MachineType)

	snap, err := s.facility.Refresh(ctx)
	if err != nil {
		logger.Warn("Facility refresh failed, using last snapshot", "error", err)
		snap = s.facility.Current()
	}
	if snap == nil {
		return nil, apperrors.NotReady("The fablab object has not been built yet.")
	}

	m, ok := snap.FirstEligible(s.policy.Matcher(req.MachineType))
	if !ok {
		logger.Info("No eligible machine", "policy", s.policy)
		return nil, apperrors.Busy(snap.Facility.ID)
	}
	logger = logger.With("machineId", m.ID)

	token, err := s.login(ctx, m.URL)
	if err != nil {
		logger.Error("Machine login failed", "error", err)
		return nil, err
	}

	resp, err := s.machines.CreateJob(ctx, m.URL, token, req.Files.forward(), req.Query)
	if err != nil {
		logger.Error("Job forwarding failed", "error", err)
		return nil, machineError(OpSubmit, err)
	}
	if !resp.OK() {
		logger.Warn("Machine rejected job", "status", resp.StatusCode)
		return nil, rejected(OpSubmit, resp)
	}

	jobID, ok := resp.StringField("jobId")
	if !ok {
		logger.Info("Machine accepted job without id")
		return &SubmitResult{FacilityID: snap.Facility.ID, MachineID: m.ID, Raw: passthrough(resp)}, nil
	}

	if err := s.store.Set(ctx, registry.JobKey(jobID), m.URL); err != nil {
		logger.Error("Failed to store job route", "jobId", jobID, "error", err)
		return nil, apperrors.Internal(apperrors.CodeRegistryWrite, "job.submit", err)
	}
	logger.Info("Job submitted", "jobId", jobID)

	return &SubmitResult{FacilityID: snap.Facility.ID, MachineID: m.ID, JobID: jobID}, nil
}

// Status returns the job document reported by the machine running jobID.
func (s *Service) Status(ctx context.Context, jobID string) (doc json.RawMessage, err error) {
	defer func() { s.record(ctx, OpStatus, err) }()

	if err := s.quota.Admit(ctx); err != nil {
		return nil, err
	}

	base, ok, err := s.store.Get(ctx, registry.JobKey(jobID))
	if err != nil {
		return nil, apperrors.Internal(apperrors.CodeRegistryRead, "job.status", err)
	}
	if !ok {
		return nil, apperrors.InvalidRoute("job", jobID)
	}

	token, err := s.login(ctx, base)
	if err != nil {
		return nil, err
	}
	resp, err := s.machines.GetJob(ctx, base, token, jobID)
	if err != nil {
		return nil, machineError(OpStatus, err)
	}
	if !resp.OK() {
		return nil, rejected(OpStatus, resp)
	}
	if job, ok := resp.Field("job"); ok {
		return job, nil
	}
	return passthrough(resp), nil
}

// Cancel takes the route for jobID out of the registry and forwards the
// cancellation to the machine. The route is removed atomically before the
// remote call: of concurrent cancellations only one reaches the machine, and
// a failed remote cancellation cannot be retried through this service.
func (s *Service) Cancel(ctx context.Context, jobID string) (resp *machineapi.Response, err error) {
	defer func() { s.record(ctx, OpCancel, err) }()

	base, ok, err := s.store.GetDelete(ctx, registry.JobKey(jobID))
	if err != nil {
		return nil, apperrors.Internal(apperrors.CodeRegistryDelete, "job.cancel", err)
	}
	if !ok {
		return nil, apperrors.InvalidRoute("job", jobID)
	}

	token, err := s.login(ctx, base)
	if err != nil {
		return nil, err
	}
	resp, err = s.machines.DeleteJob(ctx, base, token, jobID)
	if err != nil {
		return nil, machineError(OpCancel, err)
	}
	slog.Info("Job cancelled", "component", "router", "jobId", jobID, "status", resp.StatusCode)
	return resp, nil
}

func (s *Service) login(ctx context.Context, base string) (string, error) {
	token, err := s.machines.Login(ctx, base)
	if err == nil {
		return token, nil
	}
	if errors.Is(err, machineapi.ErrNoToken) {
		return "", apperrors.Unavailable(apperrors.CodeAuthorization, "machine.login", err)
	}
	return "", machineError("login", err)
}

func (s *Service) record(ctx context.Context, op string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = strconv.Itoa(int(apperrors.CodeOf(err)))
	}
	s.metrics.RecordJob(ctx, op, outcome)
}

func machineError(op string, err error) error {
	if machineapi.IsTransport(err) {
		return apperrors.Unavailable(apperrors.CodeMachineUnreachable, "machine."+op, err)
	}
	return apperrors.Unavailable(apperrors.CodeMachineRejected, "machine."+op, err)
}

func rejected(op string, resp *machineapi.Response) error {
	return apperrors.Unavailable(apperrors.CodeMachineRejected, "machine."+op, fmt.Errorf("machine returned HTTP %d", resp.StatusCode))
}

// passthrough returns the body as JSON, quoting it when the machine did not
// answer with JSON.
func passthrough(resp *machineapi.Response) json.RawMessage {
	if json.Valid(resp.Body) {
		return json.RawMessage(resp.Body)
	}
	b, _ := json.Marshal(string(resp.Body))
	return b
}
