// Package client is a Go client for the Fab Lab service API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client talks to one Fab Lab service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the service at baseURL (e.g. "http://localhost:3000").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is an error envelope returned by the service.
type APIError struct {
	StatusCode int             `json:"-"`
	Code       int             `json:"code"`
	Message    string          `json:"message"`
	Details    json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fablab: %s (code %d, status %d)", e.Message, e.Code, e.StatusCode)
}

// Machine is one equipment entry as stored by discovery (id, url, name,
// vendor, type, state and any extra properties).
type Machine map[string]string

// OpeningDay is the opening window of one weekday.
type OpeningDay struct {
	Day  string `json:"day"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Material is the stock of one material.
type Material struct {
	Type     string `json:"type"`
	Quantity string `json:"quantity"`
}

// Facility describes the Fab Lab and its equipment.
type Facility struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Web         string            `json:"web,omitempty"`
	API         string            `json:"api,omitempty"`
	Capacity    int               `json:"capacity"`
	Address     map[string]string `json:"address,omitempty"`
	Coordinates map[string]string `json:"coordinates,omitempty"`
	Contact     map[string]string `json:"contact,omitempty"`
	OpeningDays []OpeningDay      `json:"openingDays"`
	Equipment   []Machine         `json:"equipment"`
	Materials   []Material        `json:"materials"`
}

// MachineJobs lists the jobs known to one machine.
type MachineJobs struct {
	MachineID string          `json:"machineId"`
	Type      string          `json:"type,omitempty"`
	Vendor    string          `json:"vendor,omitempty"`
	Jobs      json.RawMessage `json:"jobs,omitempty"`
}

// Inventory is the document served at GET /fablab/.
type Inventory struct {
	Facility Facility `json:"fablab"`
	Jobs     struct {
		Running int           `json:"running"`
		Queued  int           `json:"queued"`
		Details []MachineJobs `json:"details"`
	} `json:"jobs"`
}

// Quota is the remaining API quota of a facility.
type Quota struct {
	ID    string `json:"id"`
	Quota int64  `json:"quota"`
}

// Submission identifies an accepted job. Raw holds the machine's body when
// it accepted the job without returning an id.
type Submission struct {
	FacilityID string          `json:"id"`
	MachineID  string          `json:"mId"`
	JobID      string          `json:"jobId"`
	Raw        json.RawMessage `json:"-"`
}

// SubmitRequest describes a job to submit.
type SubmitRequest struct {
	User        string
	MachineType string
	// Query holds extra parameters forwarded to the machine.
	Query url.Values

	File    io.Reader
	Name    string
	AuxFile io.Reader
	AuxName string
}

// CancelResult is the machine's answer to a cancellation, relayed verbatim.
type CancelResult struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Inventory fetches the facility snapshot.
func (c *Client) Inventory(ctx context.Context) (*Inventory, error) {
	var inv Inventory
	if err := c.getJSON(ctx, "/fablab/", &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Quota fetches the remaining API quota.
func (c *Client) Quota(ctx context.Context) (*Quota, error) {
	var q Quota
	if err := c.getJSON(ctx, "/fablab/quota", &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// SubmitJob uploads a design file and routes it to an eligible machine.
func (c *Client) SubmitJob(ctx context.Context, req *SubmitRequest) (*Submission, error) {
	query := url.Values{}
	for k, vs := range req.Query {
		query[k] = append([]string(nil), vs...)
	}
	query.Set("user", req.User)
	query.Set("machine", req.MachineType)

	body, contentType := multipartBody(req)
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/fablab/jobs", query, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)

	data, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil || sub.JobID == "" {
		return &Submission{Raw: json.RawMessage(data)}, nil
	}
	return &sub, nil
}

// JobStatus returns the machine's job document.
func (c *Client) JobStatus(ctx context.Context, jobID string) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/fablab/jobs/status/"+jobID, nil, nil)
	if err != nil {
		return nil, err
	}
	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// CancelJob cancels a job. The machine's reply is returned whatever its
// status; only service errors are reported as *APIError.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*CancelResult, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, "/fablab/jobs/"+jobID, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if apiErr := decodeError(resp.StatusCode, data); apiErr != nil {
		return nil, apiErr
	}
	return &CancelResult{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	data, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do executes req and returns the body, or the decoded error envelope.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if apiErr := decodeError(resp.StatusCode, data); apiErr != nil {
		return nil, apiErr
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// decodeError recognises the service's error envelope. Busy and not-ready
// answers carry a code with status 200, so the body decides, not the status.
func decodeError(status int, data []byte) *APIError {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	if _, ok := probe["code"]; !ok {
		return nil
	}
	if _, ok := probe["message"]; !ok {
		return nil
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == 0 {
		return nil
	}
	return apiErr
}

func multipartBody(req *SubmitRequest) (io.Reader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writePart(mw, "file", req.Name, req.File)
		if err == nil && req.AuxFile != nil {
			err = writePart(mw, "auxFile", req.AuxName, req.AuxFile)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}

func writePart(mw *multipart.Writer, field, name string, r io.Reader) error {
	if r == nil {
		return nil
	}
	if name == "" {
		name = field
	}
	part, err := mw.CreateFormFile(field, filepath.Base(name))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, r)
	return err
}

// OpenFile is a helper for SubmitRequest: it opens path and returns the
// reader with its base name.
func OpenFile(path string) (*os.File, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	return f, filepath.Base(path), nil
}
