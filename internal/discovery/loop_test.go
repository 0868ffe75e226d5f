package discovery

import (
	"context"
	"encoding/json"
	"fablab/internal/event"
	"fablab/internal/hypermedia"
	"fablab/internal/registry"
	"fablab/internal/testutil"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// fakeGateway serves a Siren root linking to machine servers, each embedding
// its machines as sub-entities.
type fakeGateway struct {
	mu      sync.Mutex
	servers map[string][]map[string]any
	broken  map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{servers: map[string][]map[string]any{}, broken: map[string]bool{}}
}

func (g *fakeGateway) set(server string, machines ...map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.servers[server] = machines
}

func (g *fakeGateway) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.servers = map[string][]map[string]any{}
}

func (g *fakeGateway) breakServer(server string, broken bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broken[server] = broken
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w.Header().Set("Content-Type", "application/vnd.siren+json")
	if r.URL.Path == "/" {
		root := hypermedia.Entity{Links: []hypermedia.Link{{Rel: []string{"self"}, Href: "/"}}}
		for name := range g.servers {
			root.Links = append(root.Links, hypermedia.Link{
				Rel:   []string{"http://rels.zettajs.io/peer"},
				Href:  "/servers/" + name,
				Title: "machine server " + name,
			})
		}
		_ = json.NewEncoder(w).Encode(root)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/servers/")
	machines, ok := g.servers[name]
	if !ok || g.broken[name] {
		http.Error(w, "unavailable", http.StatusBadGateway)
		return
	}
	server := hypermedia.Entity{}
	for _, m := range machines {
		server.Entities = append(server.Entities, hypermedia.Entity{Class: []string{"device"}, Properties: m})
	}
	_ = json.NewEncoder(w).Encode(server)
}

type collector struct {
	mu   sync.Mutex
	msgs []*event.Message
}

func (c *collector) Dispatch(msg *event.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

// take returns the events collected since the previous call as "type:machine[:state]".
func (c *collector) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		s := string(m.Event) + ":" + m.MachineID
		if m.NewState != "" {
			s += ":" + m.NewState
		}
		out = append(out, s)
	}
	c.msgs = nil
	sort.Strings(out)
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func machine(id, typ, state string) map[string]any {
	return map[string]any{"id": id, "url": "http://" + id + ".local/", "name": id, "vendor": "acme", "type": typ, "state": state}
}

type harness struct {
	gw    *fakeGateway
	store registry.Store
	out   *collector
	loop  *Loop
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := newFakeGateway()
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	store := testutil.NewStore(t)
	ctx := context.Background()
	_ = store.Set(ctx, registry.FacilityIDKey, "lab-1")
	_ = store.Set(ctx, registry.TokenKey, "tok")

	out := &collector{}
	loop := New(Config{GatewayURL: srv.URL + "/", Interval: time.Hour}, store, hypermedia.NewClient(time.Second), out, nil)
	return &harness{gw: gw, store: store, out: out, loop: loop}
}

func (h *harness) members(t *testing.T) []string {
	t.Helper()
	ids, err := h.store.SetMembers(context.Background(), registry.MachineSetKey)
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

func TestPresence_NewMachine(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set("a", machine("m1", "laser", "idle"))

	if err := h.loop.PresenceTick(ctx); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"serviceUp:m1"}, h.out.take()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	hash, ok, _ := h.store.HashGetAll(ctx, registry.MachineKey("m1"))
	if !ok {
		t.Fatal("record not persisted")
	}
	want := map[string]string{"id": "m1", "url": "http://m1.local/", "name": "m1", "vendor": "acme", "type": "laser", "state": "idle"}
	if diff := cmp.Diff(want, hash); diff != "" {
		t.Errorf("record (-want +got):\n%s", diff)
	}
}

func TestPresence_IdempotentAndStateChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set("a", machine("m1", "laser", "idle"), machine("m2", "printer", "idle"))

	_ = h.loop.PresenceTick(ctx)
	h.out.take()

	if err := h.loop.PresenceTick(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("unchanged topology produced events: %v", got)
	}

	h.gw.set("a", machine("m1", "laser", "busy"), machine("m2", "printer", "idle"))
	_ = h.loop.PresenceTick(ctx)

	if diff := cmp.Diff([]string{"machineStateChange:m1:busy"}, h.out.take()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	hash, _, _ := h.store.HashGetAll(ctx, registry.MachineKey("m1"))
	if hash["state"] != "busy" || hash["type"] != "laser" {
		t.Errorf("record = %v", hash)
	}
}

func TestAbsence_MachineGone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set("a", machine("m1", "laser", "idle"), machine("m2", "printer", "idle"))

	_ = h.loop.PresenceTick(ctx)
	_ = h.loop.AbsenceTick(ctx)
	h.out.take()

	h.gw.set("a", machine("m2", "printer", "idle"))
	if err := h.loop.AbsenceTick(ctx); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"serviceDown:m1"}, h.out.take()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m2"}, h.members(t)); diff != "" {
		t.Errorf("machine set (-want +got):\n%s", diff)
	}
	if _, ok, _ := h.store.HashGetAll(ctx, registry.MachineKey("m1")); ok {
		t.Error("record of removed machine kept")
	}

	// A second absent observation does not repeat the event.
	_ = h.loop.AbsenceTick(ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Errorf("duplicate events: %v", got)
	}
}

func TestAbsence_MachineOnlySeenByPresence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set("a", machine("m1", "laser", "idle"))
	_ = h.loop.AbsenceTick(ctx)

	h.gw.set("a", machine("m1", "laser", "idle"), machine("m2", "printer", "idle"))
	_ = h.loop.PresenceTick(ctx)
	if diff := cmp.Diff([]string{"serviceUp:m1", "serviceUp:m2"}, h.out.take()); diff != "" {
		t.Fatalf("presence events (-want +got):\n%s", diff)
	}

	h.gw.set("a", machine("m1", "laser", "idle"))
	for range 2 {
		if err := h.loop.AbsenceTick(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if diff := cmp.Diff([]string{"serviceDown:m2"}, h.out.take()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m1"}, h.members(t)); diff != "" {
		t.Errorf("machine set (-want +got):\n%s", diff)
	}
	if _, ok, _ := h.store.HashGetAll(ctx, registry.MachineKey("m2")); ok {
		t.Error("record of removed machine kept")
	}
}

func TestAbsence_FacilityDownClearsPresenceOnlyMachines(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set("a", machine("m1", "laser", "idle"))
	_ = h.loop.PresenceTick(ctx)
	h.out.take()

	h.gw.clear()
	if err := h.loop.AbsenceTick(ctx); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"fabLabDown:"}, h.out.take()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if ids := h.members(t); len(ids) != 0 {
		t.Errorf("machines left in set: %v", ids)
	}
}

func TestAbsence_ReappearingMachine(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set("a", machine("m1", "laser", "idle"))
	_ = h.loop.PresenceTick(ctx)
	_ = h.loop.AbsenceTick(ctx)

	h.gw.set("a")
	h.gw.set("b", machine("m9", "cnc", "idle"))
	_ = h.loop.AbsenceTick(ctx)
	h.gw.clear()
	h.gw.set("a", machine("m1", "laser", "idle"))
	_ = h.loop.PresenceTick(ctx)

	want := []string{"serviceDown:m1", "serviceUp:m1", "serviceUp:m1"}
	if diff := cmp.Diff(want, h.out.take()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestAbsence_FacilityDownOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set("a", machine("m1", "laser", "idle"), machine("m2", "printer", "idle"))
	_ = h.loop.PresenceTick(ctx)
	_ = h.loop.AbsenceTick(ctx)
	h.out.take()

	h.gw.clear()
	for range 3 {
		if err := h.loop.AbsenceTick(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if diff := cmp.Diff([]string{"fabLabDown:"}, h.out.take()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if ids := h.members(t); len(ids) != 0 {
		t.Errorf("machines left in set: %v", ids)
	}

	// Recovery and a second outage emit again.
	h.gw.set("a", machine("m1", "laser", "idle"))
	_ = h.loop.AbsenceTick(ctx)
	h.gw.clear()
	_ = h.loop.AbsenceTick(ctx)
	if diff := cmp.Diff([]string{"fabLabDown:"}, h.out.take()); diff != "" {
		t.Errorf("events after recovery (-want +got):\n%s", diff)
	}
}

func TestAbsence_FollowFailureKeepsSnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set("a", machine("m1", "laser", "idle"))
	h.gw.set("b", machine("m2", "printer", "idle"))
	_ = h.loop.PresenceTick(ctx)
	_ = h.loop.AbsenceTick(ctx)
	h.out.take()

	h.gw.breakServer("b", true)
	_ = h.loop.AbsenceTick(ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("unreachable link fabricated events: %v", got)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, h.members(t)); diff != "" {
		t.Errorf("machine set (-want +got):\n%s", diff)
	}

	h.gw.breakServer("b", false)
	h.gw.set("b")
	_ = h.loop.AbsenceTick(ctx)
	if diff := cmp.Diff([]string{"serviceDown:m2"}, h.out.take()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestPresence_FollowFailureSkipsLink(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.set("a", machine("m1", "laser", "idle"))
	h.gw.set("b", machine("m2", "printer", "idle"))
	h.gw.breakServer("b", true)

	if err := h.loop.PresenceTick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"serviceUp:m1"}, h.out.take()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestRootUnreachable(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	out := &collector{}
	loop := New(Config{GatewayURL: "http://127.0.0.1:1/"}, store, hypermedia.NewClient(time.Second), out, nil)

	if err := loop.PresenceTick(context.Background()); err == nil {
		t.Error("presence: expected error")
	}
	if err := loop.AbsenceTick(context.Background()); err == nil {
		t.Error("absence: expected error")
	}
	if out.count() != 0 {
		t.Errorf("events emitted: %v", out.take())
	}
}

func TestFacilityIdentity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		stored   string
		fallback string
		want     string
	}{
		{"registry", "lab-1", "env-lab", "lab-1"},
		{"fallback", "", "env-lab", "env-lab"},
		{"unknown", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gw := newFakeGateway()
			srv := httptest.NewServer(gw)
			defer srv.Close()
			gw.set("a", machine("m1", "laser", "idle"))

			store := testutil.NewStore(t)
			if tt.stored != "" {
				_ = store.Set(context.Background(), registry.FacilityIDKey, tt.stored)
			}
			out := &collector{}
			loop := New(Config{GatewayURL: srv.URL, FacilityID: tt.fallback}, store, hypermedia.NewClient(time.Second), out, nil)
			_ = loop.PresenceTick(context.Background())

			out.mu.Lock()
			defer out.mu.Unlock()
			if tt.want == "" {
				if len(out.msgs) != 0 {
					t.Errorf("events sent without facility id: %d", len(out.msgs))
				}
				return
			}
			if len(out.msgs) != 1 || out.msgs[0].FacilityID != tt.want {
				t.Errorf("events = %+v, want facility %q", out.msgs, tt.want)
			}
			if ids, _ := store.SetMembers(context.Background(), registry.MachineSetKey); len(ids) != 1 {
				t.Error("machine not registered")
			}
		})
	}
}

func TestOnChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	var calls atomic.Int32
	h.loop.OnChange = func(context.Context) { calls.Add(1) }
	h.gw.set("a", machine("m1", "laser", "idle"))

	_ = h.loop.PresenceTick(ctx)
	_ = h.loop.PresenceTick(ctx)
	if calls.Load() != 1 {
		t.Errorf("OnChange calls = %d, want 1", calls.Load())
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	srv := httptest.NewServer(gw)
	defer srv.Close()
	gw.set("a", machine("m1", "laser", "idle"))

	store := testutil.NewStore(t)
	_ = store.Set(context.Background(), registry.FacilityIDKey, "lab-1")
	out := &collector{}
	loop := New(Config{GatewayURL: srv.URL, Interval: 20 * time.Millisecond}, store, hypermedia.NewClient(time.Second), out, nil)

	loop.Start(context.Background())
	testutil.MustWaitForLen(t, out.count, 1)
	gw.set("a", machine("m1", "laser", "busy"))
	testutil.MustWaitForLen(t, out.count, 2)
	loop.Stop()
	loop.Stop()

	if got := out.take(); !cmp.Equal([]string{"machineStateChange:m1:busy", "serviceUp:m1"}, got) {
		t.Errorf("events = %v", got)
	}
}

func TestTeardown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set("a", machine("m1", "laser", "idle"), machine("m2", "printer", "idle"))
	_ = h.loop.PresenceTick(ctx)

	if err := h.loop.Teardown(ctx); err != nil {
		t.Fatal(err)
	}
	if ids := h.members(t); len(ids) != 0 {
		t.Errorf("machine set not drained: %v", ids)
	}
	if _, ok, _ := h.store.HashGetAll(ctx, registry.MachineKey("m1")); ok {
		t.Error("record not drained")
	}
}

func TestMachineRecordHash(t *testing.T) {
	t.Parallel()
	h := map[string]string{"id": "m1", "type": "laser", "state": "idle", "firmware": "2.1"}
	rec, ok := FromHash(h)
	if !ok {
		t.Fatal("id not recognised")
	}
	if rec.Extra["firmware"] != "2.1" || rec.Type != "laser" {
		t.Errorf("record = %+v", rec)
	}
	if diff := cmp.Diff(h, rec.ToHash()); diff != "" {
		t.Errorf("hash (-want +got):\n%s", diff)
	}
	if _, ok := FromHash(map[string]string{"type": "laser"}); ok {
		t.Error("record without id accepted")
	}
}
