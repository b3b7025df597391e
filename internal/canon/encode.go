package canon

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Marshal returns the canonical encoding of v.
//
// Supported inputs are nil, bool, string, every integer kind, *big.Int,
// float32/float64, json.Number, maps with string keys and slices or arrays
// of supported values. Pointers and interfaces are followed. Anything else
// fails with ErrUnsupportedType.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalLine returns Marshal(v) followed by a single newline, the on-disk
// form of primary artifacts.
func MarshalLine(v any) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func encode(buf *bytes.Buffer, v any, path string) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return writeString(buf, x, path)
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
		return nil
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
		return nil
	case float64:
		return writeFloat(buf, x, path)
	case float32:
		return writeFloat(buf, float64(x), path)
	case *big.Int:
		if x == nil {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString(x.String())
		return nil
	case big.Int:
		buf.WriteString(x.String())
		return nil
	case json.Number:
		return writeNumber(buf, x, path)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k, path); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, x[k], path+"."+k); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	}
	return encodeReflect(buf, reflect.ValueOf(v), path)
}

func encodeReflect(buf *bytes.Buffer, rv reflect.Value, path string) error {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encode(buf, rv.Elem().Interface(), path)
	case reflect.Bool:
		return encode(buf, rv.Bool(), path)
	case reflect.String:
		return writeString(buf, rv.String(), path)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return writeFloat(buf, rv.Float(), path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return errorf(ErrNonStringKey, path, "key type %s", rv.Type().Key())
		}
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k, path); err != nil {
				return err
			}
			buf.WriteByte(':')
			kv := reflect.ValueOf(k).Convert(rv.Type().Key())
			if err := encode(buf, rv.MapIndex(kv).Interface(), path+"."+k); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return errorf(ErrUnsupportedType, path, "byte sequences have no canonical form")
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		buf.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, rv.Index(i).Interface(), path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case reflect.Invalid:
		buf.WriteString("null")
		return nil
	}
	return errorf(ErrUnsupportedType, path, "%s", rv.Type())
}

// FormatFloat renders a finite float in canonical form.
//
// Digits are the shortest that round-trip. Decimal exponents below -4 or
// at least 16 use scientific notation with a signed, two-digit-minimum
// exponent; everything else is positional with a mandatory fractional
// part. Negative zero renders as "0.0".
func FormatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", ErrNonFinite
	}
	if f == 0 {
		return "0.0", nil
	}
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, err := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if err != nil {
		return "", err
	}
	if exp < -4 || exp >= 16 {
		return sci, nil
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s, nil
}

func writeFloat(buf *bytes.Buffer, f float64, path string) error {
	s, err := FormatFloat(f)
	if err != nil {
		return errorf(ErrNonFinite, path, "%v", f)
	}
	buf.WriteString(s)
	return nil
}

func writeNumber(buf *bytes.Buffer, n json.Number, path string) error {
	v, err := parseNumber(string(n))
	if err != nil {
		if e, ok := err.(*Error); ok {
			e.Path = path
		}
		return err
	}
	return encode(buf, v, path)
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s, path string) error {
	if !utf8.ValidString(s) {
		return errorf(ErrUnsupportedType, path, "string is not valid UTF-8")
	}
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if c < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xf])
				continue
			}
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
	return nil
}
