package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
)

// maxTxnRetries bounds optimistic retries when concurrent updates touch the same key.
const maxTxnRetries = 100

type kind string

const (
	kindString kind = "string"
	kindHash   kind = "hash"
	kindSet    kind = "set"
	kindZSet   kind = "zset"
)

type zmember struct {
	Score  float64 `json:"s"`
	Member string  `json:"m"`
}

// record is the value stored under every badger key.
type record struct {
	Kind kind              `json:"k"`
	Str  string            `json:"v,omitempty"`
	Hash map[string]string `json:"h,omitempty"`
	Set  []string          `json:"set,omitempty"`
	ZSet []zmember         `json:"z,omitempty"`
}

// BadgerStore implements Store on an embedded badger database. Each key
// holds one typed record; mutations are read-modify-write transactions
// retried on conflict, which makes them atomic with respect to each other.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a badger database at path, or in memory when inMemory is set.
func NewBadgerStore(path string, inMemory bool) (*BadgerStore, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 24)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		out    string
		exists bool
	)
	err := s.view(ctx, func(txn *badger.Txn) error {
		rec, err := load(txn, key, kindString)
		if err != nil || rec == nil {
			return err
		}
		out, exists = rec.Str, true
		return nil
	})
	return out, exists, err
}

func (s *BadgerStore) GetDelete(ctx context.Context, key string) (string, bool, error) {
	var (
		out    string
		exists bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		out, exists = "", false
		rec, err := load(txn, key, kindString)
		if err != nil || rec == nil {
			return err
		}
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		out, exists = rec.Str, true
		return nil
	})
	return out, exists, err
}

func (s *BadgerStore) Set(ctx context.Context, key, value string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return store(txn, key, &record{Kind: kindString, Str: value})
	})
}

func (s *BadgerStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	var created bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return store(txn, key, &record{Kind: kindString, Str: value})
	})
	return created, err
}

func (s *BadgerStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		for _, key := range keys {
			_, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *BadgerStore) HashGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	var out map[string]string
	err := s.view(ctx, func(txn *badger.Txn) error {
		rec, err := load(txn, key, kindHash)
		if err != nil || rec == nil {
			return err
		}
		out = rec.Hash
		return nil
	})
	if err != nil || len(out) == 0 {
		return nil, false, err
	}
	return out, true, nil
}

func (s *BadgerStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := load(txn, key, kindHash)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &record{Kind: kindHash, Hash: make(map[string]string, len(fields))}
		}
		for k, v := range fields {
			rec.Hash[k] = v
		}
		return store(txn, key, rec)
	})
}

func (s *BadgerStore) SetAdd(ctx context.Context, key, member string) (bool, error) {
	var added bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		added = false
		rec, err := load(txn, key, kindSet)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &record{Kind: kindSet}
		}
		i := sort.SearchStrings(rec.Set, member)
		if i < len(rec.Set) && rec.Set[i] == member {
			return nil
		}
		rec.Set = append(rec.Set, "")
		copy(rec.Set[i+1:], rec.Set[i:])
		rec.Set[i] = member
		added = true
		return store(txn, key, rec)
	})
	return added, err
}

func (s *BadgerStore) SetRemove(ctx context.Context, key, member string) (bool, error) {
	var removed bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		removed = false
		rec, err := load(txn, key, kindSet)
		if err != nil || rec == nil {
			return err
		}
		i := sort.SearchStrings(rec.Set, member)
		if i == len(rec.Set) || rec.Set[i] != member {
			return nil
		}
		rec.Set = append(rec.Set[:i], rec.Set[i+1:]...)
		removed = true
		if len(rec.Set) == 0 {
			return txn.Delete([]byte(key))
		}
		return store(txn, key, rec)
	})
	return removed, err
}

func (s *BadgerStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		rec, err := load(txn, key, kindSet)
		if err != nil || rec == nil {
			return err
		}
		out = rec.Set
		return nil
	})
	return out, err
}

func (s *BadgerStore) SortedAdd(ctx context.Context, key string, score float64, member string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := load(txn, key, kindZSet)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &record{Kind: kindZSet}
		}
		found := false
		for i := range rec.ZSet {
			if rec.ZSet[i].Member == member {
				rec.ZSet[i].Score = score
				found = true
				break
			}
		}
		if !found {
			rec.ZSet = append(rec.ZSet, zmember{Score: score, Member: member})
		}
		sort.SliceStable(rec.ZSet, func(i, j int) bool {
			if rec.ZSet[i].Score != rec.ZSet[j].Score {
				return rec.ZSet[i].Score < rec.ZSet[j].Score
			}
			return rec.ZSet[i].Member < rec.ZSet[j].Member
		})
		return store(txn, key, rec)
	})
}

func (s *BadgerStore) SortedMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		rec, err := load(txn, key, kindZSet)
		if err != nil || rec == nil {
			return err
		}
		out = make([]string, 0, len(rec.ZSet))
		for _, z := range rec.ZSet {
			out = append(out, z.Member)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) DecrementIfPositive(ctx context.Context, key string) (int64, bool, error) {
	var (
		remaining int64
		ok        bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		ok = false
		rec, err := load(txn, key, kindString)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrAbsent
		}
		n, err := strconv.ParseInt(rec.Str, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrNotInteger, rec.Str)
		}
		if n <= 0 {
			remaining = n
			return nil
		}
		remaining, ok = n-1, true
		rec.Str = strconv.FormatInt(remaining, 10)
		return store(txn, key, rec)
	})
	return remaining, ok, err
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return ctx.Err()
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("registry: transaction retries exhausted: %w", badger.ErrConflict)
}

// load reads the record at key. A missing key yields (nil, nil).
func load(txn *badger.Txn, key string, want kind) (*record, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &rec)
	}); err != nil {
		return nil, err
	}
	if rec.Kind != want {
		return nil, fmt.Errorf("%w: %s holds %s", ErrWrongType, key, rec.Kind)
	}
	return &rec, nil
}

func store(txn *badger.Txn, key string, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}
