package job

import (
	"errors"
	"fablab/internal/machineapi"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Multipart fields accepted for a submission.
const (
	FieldDesign = "file"
	FieldAux    = "auxFile"
)

// ErrTooLarge is returned when an upload exceeds the staging limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// StagedFile is an upload written to local disk.
type StagedFile struct {
	Field string
	Name  string // base name supplied by the client
	Path  string
	Size  int64
}

// Stage copies r into dir under a random name. At most limit bytes are
// accepted; a larger upload is removed and ErrTooLarge returned. A limit of
// zero or less disables the check.
func Stage(dir, name string, r io.Reader, limit int64) (StagedFile, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return StagedFile{}, fmt.Errorf("create upload dir: %w", err)
	}
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		base = "upload"
	}
	path := filepath.Join(dir, uuid.NewString()+filepath.Ext(base))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return StagedFile{}, fmt.Errorf("create staged file: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return StagedFile{}, err
		}
		return StagedFile{}, fmt.Errorf("write staged file: %w", err)
	}
	return StagedFile{Name: base, Path: path, Size: n}, nil
}

// Files is the set of uploads staged for one submission.
type Files struct {
	dir   string
	limit int64

	mu    sync.Mutex
	files []StagedFile
}

// NewFiles creates an empty set staging into dir.
func NewFiles(dir string, limit int64) *Files {
	return &Files{dir: dir, limit: limit}
}

// Stage writes r as the upload for field. A second upload for the same
// field replaces the first.
func (f *Files) Stage(field, name string, r io.Reader) error {
	sf, err := Stage(f.dir, name, r, f.limit)
	if err != nil {
		return err
	}
	sf.Field = field

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, old := range f.files {
		if old.Field == field {
			_ = os.Remove(old.Path)
			f.files[i] = sf
			return nil
		}
	}
	f.files = append(f.files, sf)
	return nil
}

// Get returns the upload staged for field.
func (f *Files) Get(field string) (StagedFile, bool) {
	if f == nil {
		return StagedFile{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sf := range f.files {
		if sf.Field == field {
			return sf, true
		}
	}
	return StagedFile{}, false
}

// Paths returns the local paths of every staged upload.
func (f *Files) Paths() []string {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.files))
	for _, sf := range f.files {
		out = append(out, sf.Path)
	}
	return out
}

// forward lists the design file first, then the auxiliary file.
func (f *Files) forward() []machineapi.File {
	var out []machineapi.File
	for _, field := range []string{FieldDesign, FieldAux} {
		if sf, ok := f.Get(field); ok {
			out = append(out, machineapi.File{Field: sf.Field, Name: sf.Name, Path: sf.Path})
		}
	}
	return out
}

// Cleanup removes every staged upload. It is safe to call more than once
// and on a nil set.
func (f *Files) Cleanup() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sf := range f.files {
		if err := os.Remove(sf.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to remove staged upload", "path", sf.Path, "error", err)
		}
	}
	f.files = nil
}
