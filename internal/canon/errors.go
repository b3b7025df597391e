package canon

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedType = errors.New("unsupported type")
	ErrNonFinite       = errors.New("non-finite float")
	ErrNonStringKey    = errors.New("non-string mapping key")
	ErrMalformed       = errors.New("malformed input")
	ErrDuplicateKey    = errors.New("duplicate mapping key")
	ErrNonCanonical    = errors.New("bytes are not in canonical form")
)

// Error locates a serialization failure inside a value tree.
// Path uses "$" for the root, ".key" for mapping members and "[i]" for
// sequence elements.
type Error struct {
	Kind error
	Path string
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	s := e.Kind.Error()
	if e.Path != "" {
		s = fmt.Sprintf("%s at %s", s, e.Path)
	}
	if e.Msg != "" {
		s = fmt.Sprintf("%s: %s", s, e.Msg)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Kind }

func errorf(kind error, path, format string, args ...any) error {
	return &Error{Kind: kind, Path: path, Msg: fmt.Sprintf(format, args...)}
}
