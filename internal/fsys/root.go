// Package fsys roots artifact and lock I/O in a single directory tree.
//
// All paths handed to a Root are slash-separated and relative to it. Writes
// go through a temp file in the destination directory followed by a rename,
// so readers never observe a torn file.
package fsys

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

var ErrInvalidPath = errors.New("invalid relative path")

// Root is a filesystem subtree owned by one emitter or lock build.
type Root struct {
	fs billy.Filesystem
}

// New wraps an existing billy filesystem.
func New(fs billy.Filesystem) *Root {
	return &Root{fs: fs}
}

// OS returns a Root backed by the directory dir on the host filesystem.
func OS(dir string) *Root {
	return &Root{fs: osfs.New(dir)}
}

// Memory returns an empty in-memory Root.
func Memory() *Root {
	return &Root{fs: memfs.New()}
}

// Raw exposes the underlying filesystem.
func (r *Root) Raw() billy.Filesystem {
	return r.fs
}

// CleanRel validates p as a slash-separated path inside the root and
// returns its cleaned form.
func CleanRel(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.ContainsRune(p, '\\') {
		return "", fmt.Errorf("%w: %q uses backslashes", ErrInvalidPath, p)
	}
	if path.IsAbs(p) {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidPath, p)
	}
	return clean, nil
}

// WriteAtomic writes data to name via temp-then-rename, creating parent
// directories as needed. On any failure the temp file is removed and name
// is left untouched.
func (r *Root) WriteAtomic(name string, data []byte, perm os.FileMode) error {
	clean, err := CleanRel(name)
	if err != nil {
		return err
	}
	dir := path.Dir(clean)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}

	tmp, err := r.fs.TempFile(dir, path.Base(clean)+".tmp.")
	if err != nil {
		return fmt.Errorf("create temp for %q: %w", clean, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = r.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write %q: %w", clean, err)
	}
	if s, ok := tmp.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("sync %q: %w", clean, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %q: %w", clean, err)
	}
	if c, ok := r.fs.(billy.Change); ok {
		_ = c.Chmod(tmpName, perm)
	}
	if err := r.fs.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename into %q: %w", clean, err)
	}
	committed = true
	return nil
}

// ReadFile returns the contents of name.
func (r *Root) ReadFile(name string) ([]byte, error) {
	clean, err := CleanRel(name)
	if err != nil {
		return nil, err
	}
	return util.ReadFile(r.fs, clean)
}

// Open opens name for streaming reads.
func (r *Root) Open(name string) (io.ReadCloser, error) {
	clean, err := CleanRel(name)
	if err != nil {
		return nil, err
	}
	return r.fs.Open(clean)
}

// Exists reports whether name exists.
func (r *Root) Exists(name string) (bool, error) {
	clean, err := CleanRel(name)
	if err != nil {
		return false, err
	}
	_, err = r.fs.Stat(clean)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat %q: %w", clean, err)
	}
}

// Files returns every regular file below the root, as sorted
// slash-separated relative paths. Filesystem iteration order is never
// relied upon.
func (r *Root) Files() ([]string, error) {
	var files []string
	err := util.Walk(r.fs, "", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		files = append(files, strings.TrimPrefix(path.Clean("/"+toSlash(p)), "/"))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("walk: %w", err)
	}
	sort.Strings(files)
	return dedupeSorted(files), nil
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

func dedupeSorted(sorted []string) []string {
	if len(sorted) == 0 {
		return []string{}
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// Dirs returns the names of the directories directly below dir, sorted. A
// missing dir yields an empty slice.
func (r *Root) Dirs(dir string) ([]string, error) {
	clean := ""
	if dir != "" && dir != "." {
		var err error
		if clean, err = CleanRel(dir); err != nil {
			return nil, err
		}
	}
	infos, err := r.fs.ReadDir(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("readdir %q: %w", clean, err)
	}
	out := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() {
			out = append(out, fi.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
