package git

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	billy "github.com/go-git/go-billy/v5"
)

var (
	// ErrTooManyFiles is returned once a LimitedFs holds its maximum number of files
	ErrTooManyFiles = errors.New("too many files")

	// ErrTooLarge is returned once writes to a LimitedFs exceed its byte budget
	ErrTooLarge = errors.New("total file size exceeded")
)

const (
	defaultMaxFiles      = 10 * 1000
	defaultTotalFileSize = 100 * 1024 * 1024
)

type fsBudget struct {
	maxFiles int64
	maxBytes int64
	files    atomic.Int64
	bytes    atomic.Int64
}

// LimitedFs wraps a billy filesystem and bounds the number of files created
// and the total bytes written through it. Chrooted views share the budget.
type LimitedFs struct {
	billy.Filesystem
	budget *fsBudget
}

// NewLimitedFs wraps fs with the given limits
func NewLimitedFs(fs billy.Filesystem, maxFiles, maxBytes int64) *LimitedFs {
	return &LimitedFs{
		Filesystem: fs,
		budget:     &fsBudget{maxFiles: maxFiles, maxBytes: maxBytes},
	}
}

// Files returns the number of files created so far
func (l *LimitedFs) Files() int64 { return l.budget.files.Load() }

// Bytes returns the number of bytes written so far
func (l *LimitedFs) Bytes() int64 { return l.budget.bytes.Load() }

// Create creates a file, counting it against the file budget
func (l *LimitedFs) Create(filename string) (billy.File, error) {
	if err := l.addFile(filename); err != nil {
		return nil, err
	}
	f, err := l.Filesystem.Create(filename)
	if err != nil {
		return nil, err
	}
	return l.wrap(f), nil
}

// OpenFile opens a file, counting newly created files against the budget
func (l *LimitedFs) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&os.O_CREATE != 0 {
		if _, err := l.Filesystem.Stat(filename); errors.Is(err, os.ErrNotExist) {
			if err := l.addFile(filename); err != nil {
				return nil, err
			}
		}
	}
	f, err := l.Filesystem.OpenFile(filename, flag, perm)
	if err != nil {
		return nil, err
	}
	return l.wrap(f), nil
}

// TempFile creates a temporary file, counting it against the budget
func (l *LimitedFs) TempFile(dir, prefix string) (billy.File, error) {
	if err := l.addFile(dir); err != nil {
		return nil, err
	}
	f, err := l.Filesystem.TempFile(dir, prefix)
	if err != nil {
		return nil, err
	}
	return l.wrap(f), nil
}

// Chroot returns a view of path that shares this filesystem's budget
func (l *LimitedFs) Chroot(path string) (billy.Filesystem, error) {
	fs, err := l.Filesystem.Chroot(path)
	if err != nil {
		return nil, err
	}
	return &LimitedFs{Filesystem: fs, budget: l.budget}, nil
}

func (l *LimitedFs) addFile(name string) error {
	if n := l.budget.files.Add(1); l.budget.maxFiles > 0 && n > l.budget.maxFiles {
		l.budget.files.Add(-1)
		return fmt.Errorf("%w: cannot create %s, limit is %d", ErrTooManyFiles, name, l.budget.maxFiles)
	}
	return nil
}

func (l *LimitedFs) wrap(f billy.File) billy.File {
	return &limitedFile{File: f, budget: l.budget}
}

type limitedFile struct {
	billy.File
	budget *fsBudget
}

func (f *limitedFile) Write(p []byte) (int, error) {
	if n := f.budget.bytes.Add(int64(len(p))); f.budget.maxBytes > 0 && n > f.budget.maxBytes {
		f.budget.bytes.Add(-int64(len(p)))
		return 0, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, f.budget.maxBytes)
	}
	return f.File.Write(p)
}
