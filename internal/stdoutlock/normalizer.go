package stdoutlock

import (
	"bytes"
	"regexp"
)

// Normalizer rewrites producer output so that run-to-run noise does not
// reach the lock.
type Normalizer interface {
	Normalize(content []byte) []byte
}

type pattern struct {
	regex       *regexp.Regexp
	replacement []byte
}

// PatternNormalizer replaces volatile substrings with stable placeholders
// and converts CRLF line endings to LF.
//
// Handled patterns:
//   - ISO 8601 timestamps (2024-12-13T10:30:45Z)
//   - log timestamps (2024-12-13 10:30:45, 2024/12/13 10:30:45)
//   - Unix timestamps (1702469445)
//   - timing assignments (t_full_checks_s=0.123456, elapsed_ms=12)
//   - free-form durations (took 1.234s, 123ms, 5 seconds)
//   - process IDs (pid 12345)
//   - memory addresses (0x7fff5fbff8c0)
type PatternNormalizer struct {
	patterns []pattern
}

// Default returns the normalizer used for stdout locks.
func Default() *PatternNormalizer {
	return &PatternNormalizer{
		patterns: []pattern{
			{
				regex:       regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`),
				replacement: []byte("<TIMESTAMP>"),
			},
			{
				regex:       regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2}\s+\d{2}:\d{2}:\d{2}(\.\d+)?`),
				replacement: []byte("<TIMESTAMP>"),
			},
			{
				regex:       regexp.MustCompile(`\b1[0-9]{9,12}\b`),
				replacement: []byte("<UNIX_TS>"),
			},
			{
				regex:       regexp.MustCompile(`\b((?:t|time|elapsed|duration|wall)(?:_[A-Za-z0-9]+)*_(?:s|ms|us|ns|sec|seconds))=[-+0-9.eE]+`),
				replacement: []byte("${1}=<DURATION>"),
			},
			{
				regex:       regexp.MustCompile(`\b\d+(\.\d+)?\s*(ms|s|seconds?|minutes?|hours?)\b`),
				replacement: []byte("<DURATION>"),
			},
			{
				regex:       regexp.MustCompile(`\b[Pp][Ii][Dd][:=\s]*\d+\b`),
				replacement: []byte("pid <PID>"),
			},
			{
				regex:       regexp.MustCompile(`0x[0-9a-fA-F]{8,16}`),
				replacement: []byte("<ADDR>"),
			},
		},
	}
}

// Normalize applies every pattern in order after line-ending cleanup.
func (n *PatternNormalizer) Normalize(content []byte) []byte {
	result := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	for _, p := range n.patterns {
		result = p.regex.ReplaceAll(result, p.replacement)
	}
	return result
}

// Raw leaves output byte-for-byte unchanged.
type Raw struct{}

func (Raw) Normalize(content []byte) []byte { return content }
