package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
)

// backends returns a fresh store per backend so the same contract runs against both.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	bs, err := NewBadgerStore("", true)
	if err != nil {
		t.Fatalf("badger store: %v", err)
	}
	t.Cleanup(func() {
		rs.Close()
		bs.Close()
	})
	return map[string]Store{"redis": rs, "badger": bs}
}

func TestStore_Strings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Get(ctx, JobKey("j1")); err != nil || ok {
				t.Fatalf("Get(absent) = ok %v err %v", ok, err)
			}
			if err := s.Set(ctx, JobKey("j1"), "http://laser.local/"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			v, ok, err := s.Get(ctx, JobKey("j1"))
			if err != nil || !ok || v != "http://laser.local/" {
				t.Fatalf("Get = %q %v %v", v, ok, err)
			}

			created, err := s.SetIfAbsent(ctx, JobKey("j1"), "other")
			if err != nil || created {
				t.Fatalf("SetIfAbsent(existing) = %v %v", created, err)
			}
			created, err = s.SetIfAbsent(ctx, APICallsKey, "5")
			if err != nil || !created {
				t.Fatalf("SetIfAbsent(new) = %v %v", created, err)
			}

			n, err := s.Delete(ctx, JobKey("j1"), JobKey("missing"))
			if err != nil || n != 1 {
				t.Fatalf("Delete = %d %v, want 1", n, err)
			}
		})
	}
}

func TestStore_Hashes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.HashGetAll(ctx, MachineKey("m1")); err != nil || ok {
				t.Fatalf("HashGetAll(absent) = %v %v", ok, err)
			}
			if err := s.HashSet(ctx, MachineKey("m1"), map[string]string{"id": "m1", "state": "idle"}); err != nil {
				t.Fatalf("HashSet: %v", err)
			}
			if err := s.HashSet(ctx, MachineKey("m1"), map[string]string{"state": "busy"}); err != nil {
				t.Fatalf("HashSet merge: %v", err)
			}
			got, ok, err := s.HashGetAll(ctx, MachineKey("m1"))
			if err != nil || !ok {
				t.Fatalf("HashGetAll = %v %v", ok, err)
			}
			if diff := cmp.Diff(map[string]string{"id": "m1", "state": "busy"}, got); diff != "" {
				t.Errorf("hash mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStore_Sets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"m2", "m1"} {
				added, err := s.SetAdd(ctx, MachineSetKey, id)
				if err != nil || !added {
					t.Fatalf("SetAdd(%s) = %v %v", id, added, err)
				}
			}
			if added, _ := s.SetAdd(ctx, MachineSetKey, "m1"); added {
				t.Error("SetAdd of existing member reported new")
			}

			members, err := s.SetMembers(ctx, MachineSetKey)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]string{"m1", "m2"}, members); diff != "" {
				t.Errorf("members mismatch (-want +got):\n%s", diff)
			}

			if existed, _ := s.SetRemove(ctx, MachineSetKey, "m1"); !existed {
				t.Error("SetRemove of present member reported absent")
			}
			if existed, _ := s.SetRemove(ctx, MachineSetKey, "m1"); existed {
				t.Error("second SetRemove reported present")
			}
		})
	}
}

func TestStore_SortedSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.SortedAdd(ctx, OpeningDaysKey, 3, "wednesday")
			_ = s.SortedAdd(ctx, OpeningDaysKey, 1, "monday")
			_ = s.SortedAdd(ctx, OpeningDaysKey, 2, "tuesday")

			got, err := s.SortedMembers(ctx, OpeningDaysKey)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]string{"monday", "tuesday", "wednesday"}, got); diff != "" {
				t.Errorf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStore_DecrementIfPositive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, _, err := s.DecrementIfPositive(ctx, APICallsKey); !errors.Is(err, ErrAbsent) {
				t.Fatalf("absent counter err = %v, want ErrAbsent", err)
			}

			_ = s.Set(ctx, APICallsKey, "2")
			for want := int64(1); want >= 0; want-- {
				n, ok, err := s.DecrementIfPositive(ctx, APICallsKey)
				if err != nil || !ok || n != want {
					t.Fatalf("decrement = %d %v %v, want %d", n, ok, err, want)
				}
			}

			n, ok, err := s.DecrementIfPositive(ctx, APICallsKey)
			if err != nil || ok || n != 0 {
				t.Fatalf("decrement at zero = %d %v %v", n, ok, err)
			}
			if v, _, _ := s.Get(ctx, APICallsKey); v != "0" {
				t.Errorf("counter changed on rejection: %q", v)
			}

			_ = s.Set(ctx, APICallsKey, "abc")
			if _, _, err := s.DecrementIfPositive(ctx, APICallsKey); !errors.Is(err, ErrNotInteger) {
				t.Errorf("err = %v, want ErrNotInteger", err)
			}
		})
	}
}

func TestStore_ConcurrentAdmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Set(ctx, APICallsKey, "10")

			var admitted atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, ok, err := s.DecrementIfPositive(ctx, APICallsKey); err == nil && ok {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()

			if admitted.Load() != 10 {
				t.Errorf("admitted %d calls, want exactly 10", admitted.Load())
			}
			if v, _, _ := s.Get(ctx, APICallsKey); v != "0" {
				t.Errorf("counter = %q, want 0", v)
			}
		})
	}
}

func TestStore_ConcurrentSetAdd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var fresh atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if added, err := s.SetAdd(ctx, MachineSetKey, "m1"); err == nil && added {
						fresh.Add(1)
					}
				}()
			}
			wg.Wait()

			if fresh.Load() != 1 {
				t.Errorf("SetAdd reported new %d times, want 1", fresh.Load())
			}
		})
	}
}

func TestStore_GetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Set(ctx, JobKey("j1"), "http://laser.local/"); err != nil {
				t.Fatalf("Set: %v", err)
			}

			var (
				winners atomic.Int64
				got     atomic.Value
				wg      sync.WaitGroup
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					v, ok, err := s.GetDelete(ctx, JobKey("j1"))
					if err != nil {
						t.Errorf("GetDelete: %v", err)
						return
					}
					if ok {
						winners.Add(1)
						got.Store(v)
					}
				}()
			}
			wg.Wait()

			if winners.Load() != 1 {
				t.Errorf("GetDelete returned the value %d times, want 1", winners.Load())
			}
			if v, _ := got.Load().(string); v != "http://laser.local/" {
				t.Errorf("GetDelete value = %q", v)
			}
			if _, ok, _ := s.Get(ctx, JobKey("j1")); ok {
				t.Error("key still present after GetDelete")
			}
		})
	}
}

func TestStore_WrongType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Set(ctx, MachineSetKey, "not a set")
			if _, err := s.SetAdd(ctx, MachineSetKey, "m1"); !errors.Is(err, ErrWrongType) {
				t.Errorf("err = %v, want ErrWrongType", err)
			}
		})
	}
}

func TestDrainMachines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"m1", "m2"} {
				_, _ = s.SetAdd(ctx, MachineSetKey, id)
				_ = s.HashSet(ctx, MachineKey(id), map[string]string{"id": id})
			}
			_ = s.Set(ctx, JobKey("j1"), "http://m1/")

			n, err := DrainMachines(ctx, s)
			if err != nil || n != 2 {
				t.Fatalf("DrainMachines = %d %v", n, err)
			}
			if members, _ := s.SetMembers(ctx, MachineSetKey); len(members) != 0 {
				t.Errorf("machine set not drained: %v", members)
			}
			if _, ok, _ := s.HashGetAll(ctx, MachineKey("m1")); ok {
				t.Error("machine record survived drain")
			}
			if _, ok, _ := s.Get(ctx, JobKey("j1")); !ok {
				t.Error("job routes must survive drain")
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Backend: "etcd"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
