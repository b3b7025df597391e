// Package record defines the Run Record an experiment hands to the emitter.
package record

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"

	"reprolock/internal/canon"
)

// Reserved top-level keys of a run record.
const (
	KeySchema         = "schema"
	KeyConstantsRef   = "constants_ref"
	KeyMetrics        = "metrics"
	KeyClassification = "classification"
	KeyFiles          = "files"
	KeyParams         = "params"
	KeyTimestamp      = "timestamp"
	KeySession        = "session"
	KeyDataRoot       = "data_root"
)

var ErrInvalidRecord = errors.New("invalid run record")

// Record is the result of one experiment run. It is built once by the
// experiment and not mutated after it is handed to the emitter.
//
// Timestamp, Session and DataRoot are volatile and normally stripped by the
// schema's normalization policy. Extra carries schema-specific top-level
// keys (for example "thresholds" or "n_bins").
type Record struct {
	Schema         string
	ConstantsRef   string
	Metrics        map[string]any
	Classification string
	Files          map[string]string
	Params         map[string]any

	Timestamp any
	Session   string
	DataRoot  string

	Extra map[string]any
}

// Validate checks the required keys and metric finiteness, reporting every
// problem at once.
func (r *Record) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Schema) == "" {
		errs = append(errs, errors.New("schema is required"))
	} else if _, err := ParseSchema(r.Schema); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(r.ConstantsRef) == "" {
		errs = append(errs, errors.New("constants_ref is required"))
	}
	for _, name := range sortedKeys(r.Metrics) {
		if err := checkMetric(r.Metrics[name], 0); err != nil {
			errs = append(errs, fmt.Errorf("metrics.%s: %w", name, err))
		}
	}
	for _, name := range sortedKeys(r.Files) {
		if r.Files[name] == "" {
			errs = append(errs, fmt.Errorf("files.%s: empty path", name))
		}
	}
	for _, k := range sortedKeys(r.Extra) {
		if isReserved(k) {
			errs = append(errs, fmt.Errorf("extra key %q shadows a reserved field", k))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidRecord, errors.Join(errs...))
}

// maxMetricDepth bounds how deeply metric arrays may nest.
const maxMetricDepth = 2

func checkMetric(v any, depth int) error {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return canon.ErrNonFinite
		}
		return nil
	case float32:
		return checkMetric(float64(x), depth)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, *big.Int:
		return nil
	case []float64:
		for _, f := range x {
			if err := checkMetric(f, depth+1); err != nil {
				return err
			}
		}
		return nil
	case []int:
		return nil
	case []any:
		if depth >= maxMetricDepth {
			return fmt.Errorf("%w: arrays nested deeper than %d", canon.ErrUnsupportedType, maxMetricDepth)
		}
		for i, e := range x {
			if err := checkMetric(e, depth+1); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: metric of type %T", canon.ErrUnsupportedType, v)
}

// Tree returns the record as a canonical value tree. Empty optional fields
// are omitted.
func (r *Record) Tree() map[string]any {
	t := make(map[string]any, len(r.Extra)+9)
	for k, v := range r.Extra {
		t[k] = v
	}
	t[KeySchema] = r.Schema
	t[KeyConstantsRef] = r.ConstantsRef
	if r.Metrics != nil {
		t[KeyMetrics] = r.Metrics
	}
	if r.Classification != "" {
		t[KeyClassification] = r.Classification
	}
	if r.Files != nil {
		files := make(map[string]any, len(r.Files))
		for k, v := range r.Files {
			files[k] = v
		}
		t[KeyFiles] = files
	}
	if r.Params != nil {
		t[KeyParams] = r.Params
	}
	if r.Timestamp != nil {
		t[KeyTimestamp] = r.Timestamp
	}
	if r.Session != "" {
		t[KeySession] = r.Session
	}
	if r.DataRoot != "" {
		t[KeyDataRoot] = r.DataRoot
	}
	return t
}

// FromTree builds a Record from a decoded JSON object. Unknown keys land
// in Extra; reserved keys must have the expected JSON types.
func FromTree(tree map[string]any) (*Record, error) {
	r := &Record{}
	var errs []error
	str := func(key string, dst *string) {
		v, ok := tree[key]
		if !ok {
			return
		}
		s, ok := v.(string)
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be a string, got %T", key, v))
			return
		}
		*dst = s
	}
	obj := func(key string) map[string]any {
		v, ok := tree[key]
		if !ok {
			return nil
		}
		m, ok := v.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be an object, got %T", key, v))
			return nil
		}
		return m
	}

	str(KeySchema, &r.Schema)
	str(KeyConstantsRef, &r.ConstantsRef)
	str(KeyClassification, &r.Classification)
	str(KeySession, &r.Session)
	str(KeyDataRoot, &r.DataRoot)
	r.Metrics = obj(KeyMetrics)
	r.Params = obj(KeyParams)
	if files := obj(KeyFiles); files != nil {
		r.Files = make(map[string]string, len(files))
		for name, v := range files {
			s, ok := v.(string)
			if !ok {
				errs = append(errs, fmt.Errorf("files.%s must be a string, got %T", name, v))
				continue
			}
			r.Files[name] = s
		}
	}
	if ts, ok := tree[KeyTimestamp]; ok {
		r.Timestamp = ts
	}
	for k, v := range tree {
		if isReserved(k) {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[k] = v
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, errors.Join(errs...))
	}
	return r, nil
}

func isReserved(k string) bool {
	switch k {
	case KeySchema, KeyConstantsRef, KeyMetrics, KeyClassification, KeyFiles,
		KeyParams, KeyTimestamp, KeySession, KeyDataRoot:
		return true
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
