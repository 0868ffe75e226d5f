package job

import (
	"context"
	"encoding/json"
	"fablab/internal/facility"
	"fablab/internal/machineapi"
	"net/url"
)

// SubmitRequest is a job submission with its staged uploads.
type SubmitRequest struct {
	User        string
	MachineType string
	// Query is forwarded to the machine unchanged.
	Query url.Values
	Files *Files
}

// SubmitResult identifies a job accepted by a machine.
type SubmitResult struct {
	FacilityID string `json:"id"`
	MachineID  string `json:"mId"`
	JobID      string `json:"jobId"`

	// Raw holds the machine's response body when it accepted the job
	// without returning a job id.
	Raw json.RawMessage `json:"-"`
}

// Admitter consumes one unit of API quota. *quota.Controller satisfies it.
type Admitter interface {
	Admit(ctx context.Context) error
}

// Snapshots provides the current facility snapshot. *facility.Cache satisfies it.
type Snapshots interface {
	Refresh(ctx context.Context) (*facility.Snapshot, error)
	Current() *facility.Snapshot
}

// Machines is the remote machine API. *machineapi.Client satisfies it.
type Machines interface {
	Login(ctx context.Context, base string) (string, error)
	CreateJob(ctx context.Context, base, token string, files []machineapi.File, query url.Values) (*machineapi.Response, error)
	GetJob(ctx context.Context, base, token, jobID string) (*machineapi.Response, error)
	DeleteJob(ctx context.Context, base, token, jobID string) (*machineapi.Response, error)
}

// MetricsRecorder receives router outcomes.
type MetricsRecorder interface {
	RecordJob(ctx context.Context, operation, outcome string)
}

// Operation names used in logs and metrics.
const (
	OpSubmit = "submit"
	OpStatus = "status"
	OpCancel = "cancel"
)
