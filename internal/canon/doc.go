// Package canon implements the canonical JSON encoding every artifact, lock
// file, constants record and bundle in reprolock is written with.
//
// Rules:
//   - mapping keys sorted by code point, separators "," and ":" with no
//     whitespace;
//   - UTF-8 output without ASCII escaping; quotes, backslashes and control
//     characters are escaped;
//   - integers of arbitrary size, no sign on zero;
//   - finite floats in shortest round-trip form, always distinguishable
//     from integers ("1.0", "1e-05"); NaN and infinities are rejected;
//   - no trailing newline (callers append one when writing artifacts).
//
// The float and string forms are byte-compatible with the experiment
// producers' JSON writers, so their artifacts can be checked for
// canonicality without rewriting them.
package canon
