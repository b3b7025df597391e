package lock

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"reprolock/internal/canon"
	"reprolock/internal/digest"
	"reprolock/internal/record"
)

// DefaultBundleSchema tags bundles written by this version.
const DefaultBundleSchema = "Bundle.v1"

// SigSuffix is appended to a bundle path to name its detached signature.
const SigSuffix = ".sig"

const sigPrefix = "hmac-sha256:"

// Bundle maps slash-separated lock file paths, relative to the artifact
// root, to the SHA-256 of their bytes.
type Bundle struct {
	Schema string
	Files  map[string]string
}

func NewBundle(schema string) *Bundle {
	if schema == "" {
		schema = DefaultBundleSchema
	}
	return &Bundle{Schema: schema, Files: map[string]string{}}
}

// Tree returns the bundle as a JSON value with exactly the keys "files"
// and "schema".
func (b *Bundle) Tree() map[string]any {
	files := make(map[string]any, len(b.Files))
	for k, v := range b.Files {
		files[k] = v
	}
	return map[string]any{"files": files, "schema": b.Schema}
}

// Marshal returns the canonical bundle bytes, without a trailing newline.
func (b *Bundle) Marshal() ([]byte, error) {
	return canon.Marshal(b.Tree())
}

// Digest is the SHA-256 of the canonical bundle bytes. Two bundles are
// equal exactly when their digests are.
func (b *Bundle) Digest() (string, error) {
	data, err := b.Marshal()
	if err != nil {
		return "", err
	}
	return digest.Bytes(data), nil
}

// Paths returns the bundle keys in canonical order.
func (b *Bundle) Paths() []string {
	out := make([]string, 0, len(b.Files))
	for k := range b.Files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseBundle decodes bundle bytes. The input must be canonical (one
// trailing newline is tolerated), carry exactly "schema" and "files", and
// map every path to a lowercase hex digest.
func ParseBundle(data []byte) (*Bundle, error) {
	v, err := canon.CheckCanonical(data, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptBundle, err)
	}
	top, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is not an object", ErrCorruptBundle)
	}
	for k := range top {
		if k != "schema" && k != "files" {
			return nil, fmt.Errorf("%w: unexpected top-level key %q", ErrCorruptBundle, k)
		}
	}
	schema, ok := top["schema"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: schema must be a string", ErrCorruptBundle)
	}
	id, err := record.ParseSchema(schema)
	if err != nil || id.Name != "Bundle" {
		return nil, fmt.Errorf("%w: schema %q is not a bundle schema", ErrCorruptBundle, schema)
	}
	files, ok := top["files"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: files must be an object", ErrCorruptBundle)
	}
	b := NewBundle(schema)
	for p, d := range files {
		s, ok := d.(string)
		if !ok || !digest.Valid(s) {
			return nil, fmt.Errorf("%w: files[%q] is not a sha256 hex digest", ErrCorruptBundle, p)
		}
		if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
			return nil, fmt.Errorf("%w: files key %q is not a relative slash path", ErrCorruptBundle, p)
		}
		b.Files[p] = s
	}
	return b, nil
}

// Sign returns the detached signature line for bundle bytes.
func Sign(data, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return []byte(sigPrefix + hex.EncodeToString(mac.Sum(nil)) + "\n")
}

// VerifySignature checks a detached signature produced by Sign.
func VerifySignature(data, sig, secret []byte) error {
	line := string(bytes.TrimSpace(sig))
	if !strings.HasPrefix(line, sigPrefix) {
		return fmt.Errorf("%w: unsupported signature format", ErrBadSignature)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(line, sigPrefix))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
