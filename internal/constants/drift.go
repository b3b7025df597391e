package constants

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"reprolock/internal/canon"
)

var ErrDrift = errors.New("constants drift")

// ValueDrift is one constant whose values differ beyond tolerance.
type ValueDrift struct {
	Name     string
	Expected any
	Actual   any
	Delta    float64
}

// DriftReport is the result of comparing a reference record with another.
// All slices are in canonical name order.
type DriftReport struct {
	Tolerance          float64
	MissingInOther     []string
	MissingInReference []string
	Values             []ValueDrift
}

// OK reports whether the two records agree.
func (d *DriftReport) OK() bool {
	return len(d.MissingInOther) == 0 && len(d.MissingInReference) == 0 && len(d.Values) == 0
}

// String renders "ok" or "drift(...)" listing every divergence.
func (d *DriftReport) String() string {
	if d.OK() {
		return "ok"
	}
	var parts []string
	for _, v := range d.Values {
		parts = append(parts, fmt.Sprintf("%s: expected=%s, actual=%s", v.Name, display(v.Expected), display(v.Actual)))
	}
	if len(d.MissingInOther) > 0 {
		parts = append(parts, "missing=["+strings.Join(d.MissingInOther, ",")+"]")
	}
	if len(d.MissingInReference) > 0 {
		parts = append(parts, "extra=["+strings.Join(d.MissingInReference, ",")+"]")
	}
	return "drift(" + strings.Join(parts, "; ") + ")"
}

// Err returns nil when OK, otherwise an error wrapping ErrDrift.
func (d *DriftReport) Err() error {
	if d.OK() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDrift, d.String())
}

// DriftCheck compares every constant of ref with other using an absolute
// tolerance. Swapping the arguments swaps Expected/Actual and the two
// missing lists but reports the same names.
func DriftCheck(ref, other *Record, tolerance float64) (*DriftReport, error) {
	if math.IsNaN(tolerance) || math.IsInf(tolerance, 0) || tolerance < 0 {
		return nil, fmt.Errorf("invalid tolerance %v", tolerance)
	}
	report := &DriftReport{Tolerance: tolerance}
	for _, name := range ref.Names() {
		actual, ok := other.Values[name]
		if !ok {
			report.MissingInOther = append(report.MissingInOther, name)
			continue
		}
		expected := ref.Values[name]
		if delta, same := within(expected, actual, tolerance); !same {
			report.Values = append(report.Values, ValueDrift{Name: name, Expected: expected, Actual: actual, Delta: delta})
		}
	}
	for _, name := range other.Names() {
		if _, ok := ref.Values[name]; !ok {
			report.MissingInReference = append(report.MissingInReference, name)
		}
	}
	return report, nil
}

// within compares two numbers exactly on their shortest decimal forms,
// so a difference that is mathematically equal to the tolerance counts as
// drift on every platform. Values agree when they are equal or their
// distance is strictly below tolerance.
func within(a, b any, tolerance float64) (float64, bool) {
	ra, rb := asRat(a), asRat(b)
	if ra == nil || rb == nil {
		return math.NaN(), false
	}
	diff := new(big.Rat).Sub(ra, rb)
	diff.Abs(diff)
	delta, _ := diff.Float64()
	if diff.Sign() == 0 {
		return 0, true
	}
	tol, ok := new(big.Rat).SetString(strconv.FormatFloat(tolerance, 'g', -1, 64))
	if !ok {
		return delta, false
	}
	return delta, diff.Cmp(tol) < 0
}

func asRat(v any) *big.Rat {
	switch x := v.(type) {
	case int64:
		return new(big.Rat).SetInt64(x)
	case *big.Int:
		return new(big.Rat).SetInt(x)
	case float64:
		s, err := canon.FormatFloat(x)
		if err != nil {
			return nil
		}
		r, ok := new(big.Rat).SetString(s)
		if !ok {
			return nil
		}
		return r
	}
	return nil
}

// display renders a number in short scientific style ("1e-5").
func display(v any) string {
	switch x := v.(type) {
	case float64:
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if i := strings.IndexByte(s, 'e'); i >= 0 {
			mant, exp := s[:i], s[i+1:]
			sign := ""
			if exp[0] == '-' || exp[0] == '+' {
				if exp[0] == '-' {
					sign = "-"
				}
				exp = exp[1:]
			}
			exp = strings.TrimLeft(exp, "0")
			if exp == "" {
				exp = "0"
			}
			return mant + "e" + sign + exp
		}
		return s
	case int64:
		return strconv.FormatInt(x, 10)
	case *big.Int:
		return x.String()
	}
	return fmt.Sprint(v)
}

// FileResult is the outcome of checking one constants file.
type FileResult struct {
	Path   string
	Record *Record
	Report *DriftReport
	Err    error
}

// CheckAll loads every path and drift-checks it against ref. Files are
// loaded concurrently; results are returned in input order and per-file
// failures are reported in FileResult.Err rather than aborting the batch.
func CheckAll(ctx context.Context, ref *Record, paths []string, tolerance float64) ([]FileResult, error) {
	results := make([]FileResult, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i].Path = p
			rec, err := LoadFile(p)
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Record = rec
			results[i].Report, results[i].Err = DriftCheck(ref, rec, tolerance)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
