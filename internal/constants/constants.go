// Package constants loads and compares Constants Records: immutable
// name → number mappings that every artifact binds to through the
// content hash of their canonical encoding.
package constants

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"reprolock/internal/canon"
	"reprolock/internal/digest"
)

var (
	ErrNotFound = errors.New("constants record not found")
	ErrCorrupt  = errors.New("constants record corrupt")
)

const (
	filePrefix = "constants_"
	fileSuffix = ".json"
)

// Record is one published constants version.
type Record struct {
	Version string
	Values  map[string]any
	hash    string
}

// FileName returns the on-disk name of version tag.
func FileName(tag string) string {
	return filePrefix + tag + fileSuffix
}

// New builds a Record from values, validating that each one is a finite
// number.
func New(version string, values map[string]any) (*Record, error) {
	clean := make(map[string]any, len(values))
	for name, v := range values {
		n, err := number(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
		clean[name] = n
	}
	b, err := canon.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &Record{Version: version, Values: clean, hash: digest.Bytes(b)}, nil
}

// Hash returns the hex SHA-256 of the canonical encoding of Values.
func (r *Record) Hash() string {
	return r.hash
}

// Canonical returns the canonical bytes of the mapping.
func (r *Record) Canonical() []byte {
	b, _ := canon.Marshal(r.Values)
	return b
}

// Names returns the constant names in canonical order.
func (r *Record) Names() []string {
	names := make([]string, 0, len(r.Values))
	for k := range r.Values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Load reads constants_<tag>.json from dir.
func Load(dir, tag string) (*Record, error) {
	if tag == "" || strings.ContainsAny(tag, `/\`) {
		return nil, fmt.Errorf("%w: invalid version tag %q", ErrNotFound, tag)
	}
	return LoadFile(filepath.Join(dir, FileName(tag)))
}

// LoadFile reads a constants file. The file must hold the canonical
// encoding of a flat mapping of numbers, optionally followed by one
// newline; anything else is ErrCorrupt.
func LoadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	return Parse(versionFromPath(path), data)
}

// Parse decodes constants bytes for version.
func Parse(version string, data []byte) (*Record, error) {
	v, err := canon.CheckCanonical(data, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is not a mapping", ErrCorrupt)
	}
	return New(version, m)
}

// LoadLatest returns the highest-versioned constants file in dir. Tags are
// ordered as semantic versions ("v1.2" > "v1.1" > "v1.0"); tags that do not
// parse are ignored.
func LoadLatest(dir string) (*Record, error) {
	tags, err := ListVersions(dir)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("%w: no versioned constants in %s", ErrNotFound, dir)
	}
	return Load(dir, tags[len(tags)-1])
}

// ListVersions returns the semver-parsable tags present in dir in
// ascending order.
func ListVersions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, err
	}
	type tagged struct {
		tag string
		ver *semver.Version
	}
	var found []tagged
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		tag := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		ver, err := semver.NewVersion(tag)
		if err != nil {
			continue
		}
		found = append(found, tagged{tag: tag, ver: ver})
	}
	sort.Slice(found, func(i, j int) bool {
		if c := found[i].ver.Compare(found[j].ver); c != 0 {
			return c < 0
		}
		return found[i].tag < found[j].tag
	})
	tags := make([]string, len(found))
	for i, f := range found {
		tags[i] = f.tag
	}
	return tags, nil
}

func versionFromPath(path string) string {
	base := filepath.Base(path)
	if strings.HasPrefix(base, filePrefix) && strings.HasSuffix(base, fileSuffix) {
		return strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), fileSuffix)
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func number(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, canon.ErrNonFinite
		}
		return x, nil
	case float32:
		return number(float64(x))
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case *big.Int:
		if x == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return x, nil
	}
	return nil, fmt.Errorf("%w: %T is not a number", canon.ErrUnsupportedType, v)
}
