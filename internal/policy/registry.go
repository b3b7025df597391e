package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrUnknownSchema = errors.New("unknown schema")

// File is the on-disk policy document.
type File struct {
	Policies []*Policy `json:"policies" yaml:"policies"`
}

// Registry maps schema identifiers to compiled policies.
type Registry struct {
	policies map[string]*Policy
}

func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]*Policy)}
}

// Register compiles p and adds it. Registering a schema twice is an error.
func (r *Registry) Register(p *Policy) error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	if err := p.Compile(); err != nil {
		return err
	}
	if _, dup := r.policies[p.Schema]; dup {
		return fmt.Errorf("%w: schema %s registered twice", ErrInvalidPolicy, p.Schema)
	}
	r.policies[p.Schema] = p
	return nil
}

// Lookup returns the policy registered for schema.
func (r *Registry) Lookup(schema string) (*Policy, error) {
	if r != nil {
		if p, ok := r.policies[schema]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no policy registered for %q", ErrUnknownSchema, schema)
}

// Schemas lists the registered schema identifiers in sorted order.
func (r *Registry) Schemas() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.policies))
	for s := range r.policies {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.policies)
}

// LoadFile reads a policy document from path. JSON and YAML are accepted;
// unknown keys are rejected in both.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes a policy document and registers every policy in it.
func Parse(data []byte) (*Registry, error) {
	var doc File
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
		}
		if _, err := dec.Token(); err != io.EOF {
			return nil, fmt.Errorf("%w: trailing data after policy document", ErrInvalidPolicy)
		}
	} else if len(trimmed) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
		}
	}

	reg := NewRegistry()
	var errs []error
	for _, p := range doc.Policies {
		if err := reg.Register(p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reg, nil
}
