package job

import (
	"context"
	"encoding/json"
	"errors"
	"fablab/internal/apperrors"
	"fablab/internal/discovery"
	"fablab/internal/facility"
	"fablab/internal/machineapi"
	"fablab/internal/quota"
	"fablab/internal/registry"
	"fablab/internal/testutil"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMachine mimics the REST API of one fabrication machine.
type fakeMachine struct {
	mu           sync.Mutex
	noToken      bool
	createStatus int
	createBody   string
	uploads      map[string]string
	query        url.Values
	deleted      []string
}

func (f *fakeMachine) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.noToken {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"token":"tok"}`))
	})
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.query = r.URL.Query()
		f.uploads = map[string]string{}
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			for field, headers := range r.MultipartForm.File {
				fh, _ := headers[0].Open()
				b, _ := io.ReadAll(fh)
				fh.Close()
				f.uploads[field] = headers[0].Filename + ":" + string(b)
			}
		}
		if f.createStatus != 0 {
			w.WriteHeader(f.createStatus)
		}
		body := f.createBody
		if body == "" {
			body = `{"jobId":"j-1"}`
		}
		w.Write([]byte(body))
	})
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"job":{"id":"` + r.PathValue("id") + `","state":"cutting"}}`))
	})
	mux.HandleFunc("DELETE /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"deleted":true}`))
	})
	return mux
}

type fixture struct {
	store   registry.Store
	quota   *quota.Controller
	machine *fakeMachine
	baseURL string
	svc     *Service
}

func newFixture(t *testing.T, limit int64, policy Policy) *fixture {
	t.Helper()
	ctx := context.Background()

	m := &fakeMachine{}
	srv := httptest.NewServer(m.handler())
	t.Cleanup(srv.Close)

	store := testutil.NewStore(t)
	_ = store.Set(ctx, registry.FacilityIDKey, "lab-1")

	q := quota.NewController(store, limit, nil)
	if err := q.Init(ctx); err != nil {
		t.Fatal(err)
	}

	f := &fixture{store: store, quota: q, machine: m, baseURL: srv.URL + "/"}
	f.addMachine(t, discovery.MachineRecord{ID: "m1", URL: f.baseURL, Type: "laser", State: "idle"})

	cache := facility.NewCache(facility.NewAssembler(store, nil, facility.Options{}))
	client := machineapi.New(machineapi.Config{User: "op", Password: "pw", Timeout: 2 * time.Second})
	f.svc = NewService(store, q, cache, client, policy, nil)
	return f
}

func (f *fixture) addMachine(t *testing.T, rec discovery.MachineRecord) {
	t.Helper()
	ctx := context.Background()
	_, _ = f.store.SetAdd(ctx, registry.MachineSetKey, rec.ID)
	if err := f.store.HashSet(ctx, registry.MachineKey(rec.ID), rec.ToHash()); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) remaining(t *testing.T) int64 {
	t.Helper()
	n, err := f.quota.Remaining(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func stagedRequest(t *testing.T, user, machine string, withAux bool) (*SubmitRequest, []string) {
	t.Helper()
	files := NewFiles(t.TempDir(), 1<<20)
	if err := files.Stage(FieldDesign, "part.svg", strings.NewReader("<svg/>")); err != nil {
		t.Fatal(err)
	}
	if withAux {
		if err := files.Stage(FieldAux, "notes.txt", strings.NewReader("cut slowly")); err != nil {
			t.Fatal(err)
		}
	}
	q := url.Values{"user": {user}, "machine": {machine}, "material": {"wood"}}
	return &SubmitRequest{User: user, MachineType: machine, Query: q, Files: files}, files.Paths()
}

func assertRemoved(t *testing.T, paths []string) {
	t.Helper()
	for _, p := range paths {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("staged file %s survived (stat err %v)", p, err)
		}
	}
}

func assertCode(t *testing.T, err error, want apperrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %d, got nil", want)
	}
	if got := apperrors.CodeOf(err); got != want {
		t.Fatalf("code = %d, want %d (err: %v)", got, want, err)
	}
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10, TypeMatch)
	req, paths := stagedRequest(t, "u1", "laser", true)

	res, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if res.FacilityID != "lab-1" || res.MachineID != "m1" || res.JobID != "j-1" {
		t.Errorf("result = %+v", res)
	}
	route, ok, _ := f.store.Get(context.Background(), registry.JobKey("j-1"))
	if !ok || route != f.baseURL {
		t.Errorf("route = %q, %v", route, ok)
	}
	assertRemoved(t, paths)

	f.machine.mu.Lock()
	defer f.machine.mu.Unlock()
	if f.machine.uploads[FieldDesign] != "part.svg:<svg/>" || f.machine.uploads[FieldAux] != "notes.txt:cut slowly" {
		t.Errorf("uploads = %v", f.machine.uploads)
	}
	if f.machine.query.Get("user") != "u1" || f.machine.query.Get("material") != "wood" {
		t.Errorf("query = %v", f.machine.query)
	}
	if got := f.remaining(t); got != 9 {
		t.Errorf("quota = %d, want 9", got)
	}
}

func TestSubmitQuotaConsumed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0, TypeMatch)
	req, paths := stagedRequest(t, "u1", "laser", false)

	_, err := f.svc.Submit(context.Background(), req)

	assertCode(t, err, apperrors.CodeQuotaConsumed)
	if f.remaining(t) != 0 {
		t.Error("rejected call changed the counter")
	}
	assertRemoved(t, paths)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		user    string
		machine string
		noFile  bool
		want    apperrors.Code
	}{
		{"missing user", "", "laser", false, apperrors.CodeUndefinedUser},
		{"missing machine", "u1", "", false, apperrors.CodeUndefinedMachine},
		{"missing file", "u1", "laser", true, apperrors.CodeMissingFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 10, TypeMatch)
			req, paths := stagedRequest(t, tt.user, tt.machine, !tt.noFile)
			if tt.noFile {
				// Only the aux file is staged.
				req.Files.Cleanup()
				_ = req.Files.Stage(FieldAux, "notes.txt", strings.NewReader("x"))
				paths = req.Files.Paths()
			}

			_, err := f.svc.Submit(context.Background(), req)
			assertCode(t, err, tt.want)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("not a validation error: %v", err)
			}
			assertRemoved(t, paths)
		})
	}
}

func TestSubmitNotReadyAndBusy(t *testing.T) {
	t.Parallel()

	t.Run("no facility", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 10, TypeMatch)
		_, _ = f.store.Delete(context.Background(), registry.FacilityIDKey)
		req, paths := stagedRequest(t, "u1", "laser", false)

		_, err := f.svc.Submit(context.Background(), req)
		assertCode(t, err, apperrors.CodeNotReady)
		if apperrors.HTTPStatus(err) != http.StatusOK {
			t.Errorf("status = %d", apperrors.HTTPStatus(err))
		}
		assertRemoved(t, paths)
	})

	t.Run("no machine of type", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 10, TypeMatch)
		req, paths := stagedRequest(t, "u1", "cnc", false)

		_, err := f.svc.Submit(context.Background(), req)
		assertCode(t, err, apperrors.CodeBusy)
		if body := apperrors.ToBody(err); body.Details != "lab-1" {
			t.Errorf("details = %q", body.Details)
		}
		assertRemoved(t, paths)
	})

	t.Run("idle policy skips busy machine", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 10, IdleTypeMatch)
		f.addMachine(t, discovery.MachineRecord{ID: "m1", URL: f.baseURL, Type: "laser", State: "busy"})
		req, _ := stagedRequest(t, "u1", "laser", false)

		_, err := f.svc.Submit(context.Background(), req)
		assertCode(t, err, apperrors.CodeBusy)

		f.addMachine(t, discovery.MachineRecord{ID: "m2", URL: f.baseURL, Type: "laser", State: "idle"})
		req, _ = stagedRequest(t, "u1", "laser", false)
		res, err := f.svc.Submit(context.Background(), req)
		if err != nil || res.MachineID != "m2" {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
	})
}

func TestSubmitMachineFailures(t *testing.T) {
	t.Parallel()

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 10, TypeMatch)
		dead := httptest.NewServer(http.NotFoundHandler())
		dead.Close()
		f.addMachine(t, discovery.MachineRecord{ID: "m1", URL: dead.URL + "/", Type: "laser"})
		req, paths := stagedRequest(t, "u1", "laser", true)

		_, err := f.svc.Submit(context.Background(), req)
		assertCode(t, err, apperrors.CodeMachineUnreachable)
		if !errors.Is(err, apperrors.ErrUnavailable) {
			t.Errorf("kind = %v", err)
		}
		assertRemoved(t, paths)
	})

	t.Run("no token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 10, TypeMatch)
		f.machine.mu.Lock()
		f.machine.noToken = true
		f.machine.mu.Unlock()
		req, paths := stagedRequest(t, "u1", "laser", false)

		_, err := f.svc.Submit(context.Background(), req)
		assertCode(t, err, apperrors.CodeAuthorization)
		assertRemoved(t, paths)
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 10, TypeMatch)
		f.machine.mu.Lock()
		f.machine.createStatus = http.StatusInternalServerError
		f.machine.mu.Unlock()
		req, paths := stagedRequest(t, "u1", "laser", false)

		_, err := f.svc.Submit(context.Background(), req)
		assertCode(t, err, apperrors.CodeMachineRejected)
		assertRemoved(t, paths)
	})
}

func TestSubmitWithoutJobIDPassesThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10, TypeMatch)
	f.machine.mu.Lock()
	f.machine.createBody = `{"accepted":true,"position":3}`
	f.machine.mu.Unlock()
	req, paths := stagedRequest(t, "u1", "laser", false)

	res, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Raw) != `{"accepted":true,"position":3}` {
		t.Errorf("raw = %s", res.Raw)
	}
	assertRemoved(t, paths)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2, TypeMatch)
	ctx := context.Background()
	_ = f.store.Set(ctx, registry.JobKey("j-7"), f.baseURL)

	doc, err := f.svc.Status(ctx, "j-7")
	if err != nil {
		t.Fatal(err)
	}
	var job map[string]string
	_ = json.Unmarshal(doc, &job)
	if job["id"] != "j-7" || job["state"] != "cutting" {
		t.Errorf("job = %s", doc)
	}

	_, err = f.svc.Status(ctx, "unknown")
	assertCode(t, err, apperrors.CodeInvalidRoute)

	_, err = f.svc.Status(ctx, "j-7")
	assertCode(t, err, apperrors.CodeQuotaConsumed)
}

func TestStatusUnreachableMachine(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2, TypeMatch)
	ctx := context.Background()
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	_ = f.store.Set(ctx, registry.JobKey("j-7"), dead.URL+"/")

	_, err := f.svc.Status(ctx, "j-7")
	assertCode(t, err, apperrors.CodeMachineUnreachable)
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("kind = %v", err)
	}
	if got := f.remaining(t); got != 1 {
		t.Errorf("remaining quota = %d, want 1", got)
	}
	if _, ok, _ := f.store.Get(ctx, registry.JobKey("j-7")); !ok {
		t.Error("status removed the job route")
	}
}

func TestCancelDeletesRouteFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0, TypeMatch)
	ctx := context.Background()
	_ = f.store.Set(ctx, registry.JobKey("j-1"), f.baseURL)

	resp, err := f.svc.Cancel(ctx, "j-1")
	if err != nil {
		t.Fatalf("Cancel with zero quota: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted || string(resp.Body) != `{"deleted":true}` {
		t.Errorf("response = %d %s", resp.StatusCode, resp.Body)
	}

	_, err = f.svc.Cancel(ctx, "j-1")
	assertCode(t, err, apperrors.CodeInvalidRoute)
}

func TestConcurrentCancelReachesMachineOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10, TypeMatch)
	ctx := context.Background()
	_ = f.store.Set(ctx, registry.JobKey("j-1"), f.baseURL)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Cancel(ctx, "j-1")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assertCode(t, err, apperrors.CodeInvalidRoute)
	}
	if succeeded != 1 {
		t.Errorf("%d cancellations succeeded, want 1", succeeded)
	}

	f.machine.mu.Lock()
	defer f.machine.mu.Unlock()
	if len(f.machine.deleted) != 1 || f.machine.deleted[0] != "j-1" {
		t.Errorf("remote deletes = %v, want [j-1]", f.machine.deleted)
	}
}

func TestCancelRemoteFailureStillDeletesRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10, TypeMatch)
	ctx := context.Background()
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	_ = f.store.Set(ctx, registry.JobKey("j-1"), dead.URL+"/")

	_, err := f.svc.Cancel(ctx, "j-1")
	assertCode(t, err, apperrors.CodeMachineUnreachable)

	_, err = f.svc.Cancel(ctx, "j-1")
	assertCode(t, err, apperrors.CodeInvalidRoute)
}

func TestStageLimit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := Stage(dir, "big.bin", strings.NewReader(strings.Repeat("x", 11)), 10); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("oversized upload left %d files", len(entries))
	}

	sf, err := Stage(dir, "../../etc/passwd", strings.NewReader("ok"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if sf.Name != "passwd" || !strings.HasPrefix(sf.Path, dir) {
		t.Errorf("staged = %+v", sf)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Policy{"": TypeMatch, "type": TypeMatch, "idle": IdleTypeMatch} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("queue"); err == nil {
		t.Error("unknown policy accepted")
	}
}
