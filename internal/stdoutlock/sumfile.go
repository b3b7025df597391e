package stdoutlock

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"reprolock/internal/digest"
)

var ErrMalformedSumFile = errors.New("malformed sha256sum file")

// Entry is one "<hex>  <path>" line of a sha256sum-format file.
type Entry struct {
	Digest string `json:"digest"`
	Path   string `json:"path"`
}

// FormatSums renders entries sorted by path, one per line, in the format
// understood by `sha256sum -c`.
func FormatSums(entries []Entry) []byte {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	var buf bytes.Buffer
	for _, e := range sorted {
		buf.WriteString(e.Digest)
		buf.WriteString("  ")
		buf.WriteString(e.Path)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ParseSums reads a sha256sum-format file. Binary-mode markers ("*path")
// are accepted; blank lines are skipped.
func ParseSums(data []byte) ([]Entry, error) {
	var entries []Entry
	seen := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		sum, path, ok := strings.Cut(text, " ")
		if !ok || !digest.Valid(sum) {
			return nil, fmt.Errorf("%w: line %d: expected \"<sha256>  <path>\"", ErrMalformedSumFile, line)
		}
		switch {
		case strings.HasPrefix(path, " "), strings.HasPrefix(path, "*"):
			path = path[1:]
		default:
			return nil, fmt.Errorf("%w: line %d: missing mode separator", ErrMalformedSumFile, line)
		}
		if path == "" {
			return nil, fmt.Errorf("%w: line %d: empty path", ErrMalformedSumFile, line)
		}
		if seen[path] {
			return nil, fmt.Errorf("%w: line %d: duplicate path %s", ErrMalformedSumFile, line, path)
		}
		seen[path] = true
		entries = append(entries, Entry{Digest: sum, Path: path})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
