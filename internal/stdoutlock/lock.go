// Package stdoutlock pins the normalized stdout of benchmark producers.
//
// A lock named N in directory D consists of D/N_out.txt, the normalized
// output, and D/N_lock.sha256, a sha256sum-format file listing the digest
// of N_out.txt plus any pinned companion files. Paths inside the sum file
// are relative to the root the lock was written under.
package stdoutlock

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"reprolock/internal/digest"
	"reprolock/internal/fsys"
)

var ErrMismatch = errors.New("stdout lock mismatch")

// Paths returns the output and sum file paths of lock name in dir.
func Paths(dir, name string) (out, sums string) {
	return path.Join(dir, name+"_out.txt"), path.Join(dir, name+"_lock.sha256")
}

// Write normalizes stdout, stores it and writes the sum file. Pins are
// additional files under root whose digests are recorded alongside.
func Write(root *fsys.Root, dir, name string, stdout []byte, n Normalizer, pins ...string) ([]Entry, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid lock name %q", name)
	}
	if n == nil {
		n = Default()
	}
	outPath, sumPath := Paths(dir, name)
	normalized := n.Normalize(stdout)

	entries := []Entry{{Digest: digest.Bytes(normalized), Path: outPath}}
	for _, p := range pins {
		clean, err := fsys.CleanRel(p)
		if err != nil {
			return nil, err
		}
		data, err := root.ReadFile(clean)
		if err != nil {
			return nil, fmt.Errorf("pin %s: %w", clean, err)
		}
		entries = append(entries, Entry{Digest: digest.Bytes(data), Path: clean})
	}

	if err := root.WriteAtomic(outPath, normalized, 0o644); err != nil {
		return nil, err
	}
	if err := root.WriteAtomic(sumPath, FormatSums(entries), 0o644); err != nil {
		return nil, err
	}
	return entries, nil
}

// Mismatch is one sum-file entry whose current digest differs.
type Mismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Check verifies stdout and every pinned file against the sum file at
// sumPath. The entry ending in "_out.txt" is compared with the normalized
// stdout rather than the stored file. Missing pinned files report an
// actual digest of "<missing>".
func Check(root *fsys.Root, sumPath string, stdout []byte, n Normalizer) ([]Mismatch, error) {
	if n == nil {
		n = Default()
	}
	data, err := root.ReadFile(sumPath)
	if err != nil {
		return nil, err
	}
	entries, err := ParseSums(data)
	if err != nil {
		return nil, err
	}

	outPath := strings.TrimSuffix(sumPath, "_lock.sha256") + "_out.txt"
	var mismatches []Mismatch
	for _, e := range entries {
		var actual string
		if e.Path == outPath {
			actual = digest.Bytes(n.Normalize(stdout))
		} else {
			content, err := root.ReadFile(e.Path)
			switch {
			case err == nil:
				actual = digest.Bytes(content)
			case isNotExist(root, e.Path):
				actual = "<missing>"
			default:
				return nil, fmt.Errorf("read %s: %w", e.Path, err)
			}
		}
		if actual != e.Digest {
			mismatches = append(mismatches, Mismatch{Path: e.Path, Expected: e.Digest, Actual: actual})
		}
	}
	if len(mismatches) > 0 {
		return mismatches, fmt.Errorf("%w: %s expected %s, got %s", ErrMismatch, mismatches[0].Path, mismatches[0].Expected, mismatches[0].Actual)
	}
	return nil, nil
}

func isNotExist(root *fsys.Root, p string) bool {
	ok, err := root.Exists(p)
	return err == nil && !ok
}
