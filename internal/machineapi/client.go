// Package machineapi talks to the REST API each fabrication machine exposes:
// login, job creation, job status, job cancellation and job listing.
package machineapi

import (
	"context"
	"encoding/json"
	"errors"
	"fablab/pkg/circuitbreaker"
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

// maxResponseSize bounds how much of a machine response is buffered.
const maxResponseSize = 8 << 20

// ErrNoToken is returned when a login round trip succeeds but yields no token.
var ErrNoToken = errors.New("machine login returned no token")

// TransportError wraps failures to reach a machine at all: connection
// errors, timeouts and calls short-circuited by an open breaker.
type TransportError struct {
	Op   string
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err means the machine could not be reached.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Response is a buffered machine response.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// OK reports a 200 response.
func (r *Response) OK() bool { return r.StatusCode == http.StatusOK }

// Field returns the raw JSON value of a top-level field of the body.
func (r *Response) Field(name string) (json.RawMessage, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(r.Body, &doc); err != nil {
		return nil, false
	}
	v, ok := doc[name]
	if !ok || string(v) == "null" {
		return nil, false
	}
	return v, true
}

// StringField returns a top-level field as a string; numbers are rendered
// without quotes.
func (r *Response) StringField(name string) (string, bool) {
	raw, ok := r.Field(name)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// File is a staged file forwarded as a multipart field.
type File struct {
	Field string // multipart field name ("file", "auxFile")
	Name  string // filename presented to the machine
	Path  string // local path of the staged content
}

// Observer receives per-call timings.
type Observer interface {
	RecordMachineCall(ctx context.Context, operation, outcome string, d time.Duration)
}

// Client is a remote machine API client shared by all machines.
type Client struct {
	cfg      Config
	http     *http.Client
	breakers *circuitbreaker.Registry
	observer Observer
}

// New creates a client. The per-call timeout is enforced through the
// request context so streaming uploads are bounded as well.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
	}
}

// SetObserver installs a timing observer. Call before use.
func (c *Client) SetObserver(o Observer) { c.observer = o }

// Breakers exposes per-host breaker state.
func (c *Client) Breakers() *circuitbreaker.Registry { return c.breakers }

// Login authenticates against the machine and returns its session token.
func (c *Client) Login(ctx context.Context, base string) (string, error) {
	form := url.Values{"name": {c.cfg.User}, "password": {c.cfg.Password}}
	resp, err := c.do(ctx, "login", base, func(ctx context.Context, target string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, "login")
	if err != nil {
		return "", err
	}
	token, ok := resp.StringField("token")
	if !ok {
		return "", fmt.Errorf("%w (HTTP %d)", ErrNoToken, resp.StatusCode)
	}
	return token, nil
}

// CreateJob uploads the design (and optional aux file) and forwards the
// caller's query parameters.
func (c *Client) CreateJob(ctx context.Context, base, token string, files []File, query url.Values) (*Response, error) {
	return c.do(ctx, "create_job", base, func(ctx context.Context, target string) (*http.Request, error) {
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		body, contentType := multipartBody(files)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
		if err != nil {
			body.Close()
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		authorize(req, token)
		return req, nil
	}, "jobs")
}

// GetJob fetches the status document of one job.
func (c *Client) GetJob(ctx context.Context, base, token, jobID string) (*Response, error) {
	return c.do(ctx, "get_job", base, c.simple(http.MethodGet, token), "jobs", jobID)
}

// DeleteJob cancels one job.
func (c *Client) DeleteJob(ctx context.Context, base, token, jobID string) (*Response, error) {
	return c.do(ctx, "delete_job", base, c.simple(http.MethodDelete, token), "jobs", jobID)
}

// ListJobs lists every job the machine knows about.
func (c *Client) ListJobs(ctx context.Context, base, token string) (*Response, error) {
	return c.do(ctx, "list_jobs", base, c.simple(http.MethodGet, token), "jobs")
}

type requestBuilder func(ctx context.Context, target string) (*http.Request, error)

func (c *Client) simple(method, token string) requestBuilder {
	return func(ctx context.Context, target string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, err
		}
		authorize(req, token)
		return req, nil
	}
}

func (c *Client) do(ctx context.Context, op, base string, build requestBuilder, segments ...string) (*Response, error) {
	target, host, err := c.endpoint(base, segments...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var resp *Response
	err = c.breakers.Get(host).Execute(func() error {
		req, err := build(ctx, target)
		if err != nil {
			return err
		}
		r, err := c.http.Do(req)
		if err != nil {
			return &TransportError{Op: op, Host: host, Err: err}
		}
		defer r.Body.Close()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
		if err != nil {
			return &TransportError{Op: op, Host: host, Err: err}
		}
		resp = &Response{StatusCode: r.StatusCode, ContentType: r.Header.Get("Content-Type"), Body: body}
		return nil
	}, IsTransport)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = &TransportError{Op: op, Host: host, Err: err}
	}

	c.observe(ctx, op, err, resp, time.Since(start))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) observe(ctx context.Context, op string, err error, resp *Response, d time.Duration) {
	if c.observer == nil {
		return
	}
	outcome := "ok"
	switch {
	case IsTransport(err):
		outcome = "unreachable"
	case err != nil:
		outcome = "error"
	case resp.StatusCode >= 400:
		outcome = "rejected"
	}
	c.observer.RecordMachineCall(context.WithoutCancel(ctx), op, outcome, d)
}

func (c *Client) endpoint(base string, segments ...string) (target, host string, err error) {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("invalid machine url %q", base)
	}
	target, err = url.JoinPath(base, append([]string{c.cfg.Prefix}, segments...)...)
	if err != nil {
		return "", "", err
	}
	return target, u.Host, nil
}

func authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "JWT "+token)
}

// multipartBody streams files through a pipe so uploads are never fully buffered.
func multipartBody(files []File) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeParts(mw, files)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}

func writeParts(mw *multipart.Writer, files []File) error {
	for _, f := range files {
		name := f.Name
		if name == "" {
			name = filepath.Base(f.Path)
		}
		part, err := mw.CreateFormFile(f.Field, name)
		if err != nil {
			return err
		}
		src, err := os.Open(f.Path)
		if err != nil {
			return err
		}
		_, err = io.Copy(part, src)
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
