// Package digest computes the SHA-256 identifiers used throughout reprolock.
//
// Identifiers are the bare lowercase hex encoding; the "sha256:" algorithm
// prefix used by OCI digests is never written to bundles or lock files.
package digest

import (
	_ "crypto/sha256"
	"io"

	godigest "github.com/opencontainers/go-digest"
)

// Size is the length of a hex-encoded digest.
const Size = 64

// Bytes returns the lowercase hex SHA-256 of data.
func Bytes(data []byte) string {
	return godigest.SHA256.FromBytes(data).Encoded()
}

// Reader streams r into SHA-256 and returns the lowercase hex digest.
func Reader(r io.Reader) (string, error) {
	d, err := godigest.SHA256.FromReader(r)
	if err != nil {
		return "", err
	}
	return d.Encoded(), nil
}

// Valid reports whether s is a 64-character lowercase hex digest.
func Valid(s string) bool {
	return len(s) == Size && godigest.NewDigestFromEncoded(godigest.SHA256, s).Validate() == nil
}
