package canon

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Unmarshal parses strict JSON into a value tree.
//
// Mappings decode to map[string]any, sequences to []any. Integer literals
// decode to int64 when they fit and *big.Int otherwise; literals carrying a
// fraction or exponent decode to float64. Duplicate keys, invalid UTF-8,
// overflowing floats and any data after the first value are rejected.
func Unmarshal(data []byte) (any, error) {
	if !utf8.Valid(data) {
		return nil, errorf(ErrMalformed, "", "input is not valid UTF-8")
	}
	if err := checkSurrogates(data); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec, "$")
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errorf(ErrMalformed, "", "trailing data after top-level value")
	}
	return v, nil
}

// Canonicalize re-encodes arbitrary strict JSON into canonical form.
func Canonicalize(data []byte) ([]byte, error) {
	v, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return Marshal(v)
}

// CheckCanonical reports ErrNonCanonical when data does not equal the
// canonical encoding of its own parse. One trailing newline is tolerated
// when allowNewline is set.
func CheckCanonical(data []byte, allowNewline bool) (any, error) {
	body := data
	if allowNewline {
		body = bytes.TrimSuffix(data, []byte{'\n'})
	}
	v, err := Unmarshal(body)
	if err != nil {
		return nil, err
	}
	re, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(re, body) {
		return nil, &Error{Kind: ErrNonCanonical, Msg: firstDifference(body, re)}
	}
	return v, nil
}

func firstDifference(got, want []byte) string {
	n := len(got)
	if len(want) < n {
		n = len(want)
	}
	i := 0
	for i < n && got[i] == want[i] {
		i++
	}
	return "first difference at byte " + strconv.Itoa(i)
}

// checkSurrogates rejects \u escapes that name half of a surrogate pair
// without the other half. encoding/json would silently decode them to
// U+FFFD.
func checkSurrogates(data []byte) error {
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' {
			continue
		}
		if i+1 >= len(data) || data[i+1] != 'u' {
			i++
			continue
		}
		r, ok := hexEscape(data, i)
		if !ok {
			i++
			continue
		}
		switch {
		case utf16.IsSurrogate(r) && r < 0xdc00:
			lo, ok := hexEscape(data, i+6)
			if !ok || lo < 0xdc00 || lo > 0xdfff {
				return errorf(ErrMalformed, "", "unpaired surrogate escape at byte %d", i)
			}
			i += 11
		case utf16.IsSurrogate(r):
			return errorf(ErrMalformed, "", "unpaired surrogate escape at byte %d", i)
		default:
			i += 5
		}
	}
	return nil
}

// hexEscape reads the \uXXXX escape starting at data[i].
func hexEscape(data []byte, i int) (rune, bool) {
	if i+6 > len(data) || data[i] != '\\' || data[i+1] != 'u' {
		return 0, false
	}
	v, err := strconv.ParseUint(string(data[i+2:i+6]), 16, 32)
	if err != nil {
		return 0, false
	}
	return rune(v), true
}

func decodeValue(dec *json.Decoder, path string) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, malformed(path, err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec, path)
		case '[':
			return decodeArray(dec, path)
		}
		return nil, errorf(ErrMalformed, path, "unexpected delimiter %q", t)
	case json.Number:
		v, err := parseNumber(string(t))
		if err != nil {
			if e, ok := err.(*Error); ok {
				e.Path = path
			}
			return nil, err
		}
		return v, nil
	case string, bool, nil:
		return t, nil
	}
	return nil, errorf(ErrMalformed, path, "unexpected token %v", tok)
}

func decodeObject(dec *json.Decoder, path string) (any, error) {
	out := make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, malformed(path, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errorf(ErrMalformed, path, "object key is %T", tok)
		}
		if _, dup := out[key]; dup {
			return nil, errorf(ErrDuplicateKey, path, "%q", key)
		}
		v, err := decodeValue(dec, path+"."+key)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, malformed(path, err)
	}
	return out, nil
}

func decodeArray(dec *json.Decoder, path string) (any, error) {
	out := make([]any, 0)
	for dec.More() {
		v, err := decodeValue(dec, path+"["+strconv.Itoa(len(out))+"]")
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, malformed(path, err)
	}
	return out, nil
}

func malformed(path string, err error) error {
	if errors.Is(err, io.EOF) {
		return errorf(ErrMalformed, path, "unexpected end of input")
	}
	return &Error{Kind: ErrMalformed, Path: path, Msg: err.Error()}
}

// parseNumber maps a JSON number literal onto int64, *big.Int or float64.
func parseNumber(s string) (any, error) {
	if s == "" {
		return nil, errorf(ErrMalformed, "", "empty number")
	}
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		b, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, errorf(ErrMalformed, "", "invalid integer %q", s)
		}
		return b, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return nil, errorf(ErrNonFinite, "", "literal %s overflows float64", s)
	}
	return f, nil
}
