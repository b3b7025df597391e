package record

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var ErrInvalidSchema = errors.New("invalid schema identifier")

// SchemaID is a "<name>.v<version>" tag such as "R.v1" or "Bundle.v1.2".
type SchemaID struct {
	Name    string
	Version *semver.Version
	raw     string
}

// ParseSchema splits a schema tag at its last ".v" and parses the version
// suffix as a semantic version.
func ParseSchema(s string) (SchemaID, error) {
	i := strings.LastIndex(s, ".v")
	if i <= 0 || i+2 >= len(s) {
		return SchemaID{}, fmt.Errorf("%w: %q lacks a .v<N> suffix", ErrInvalidSchema, s)
	}
	name, ver := s[:i], s[i+2:]
	if strings.TrimSpace(name) != name {
		return SchemaID{}, fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidSchema, s)
	}
	if ver[0] < '0' || ver[0] > '9' {
		return SchemaID{}, fmt.Errorf("%w: %q version must start with a digit", ErrInvalidSchema, s)
	}
	v, err := semver.NewVersion(ver)
	if err != nil {
		return SchemaID{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchema, s, err)
	}
	return SchemaID{Name: name, Version: v, raw: s}, nil
}

// String returns the tag exactly as it was parsed.
func (s SchemaID) String() string {
	return s.raw
}

// Major returns the major version number.
func (s SchemaID) Major() uint64 {
	if s.Version == nil {
		return 0
	}
	return s.Version.Major()
}

// Compatible reports whether other names the same schema with the same
// major version.
func (s SchemaID) Compatible(other SchemaID) bool {
	return s.Name == other.Name && s.Major() == other.Major()
}
