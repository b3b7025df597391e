package canon

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysWithoutWhitespace(t *testing.T) {
	got, err := Marshal(map[string]any{
		"schema":        "R.v1",
		"constants_ref": "abc123",
		"metrics":       map[string]any{"x": 1.5},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"constants_ref":"abc123","metrics":{"x":1.5},"schema":"R.v1"}`, string(got))
}

func TestMarshal_KeyOrderIsCodePointOrder(t *testing.T) {
	got, err := Marshal(map[string]int{"b": 1, "B": 2, "é": 3, "a": 4, "_": 5})
	require.NoError(t, err)
	assert.Equal(t, `{"B":2,"_":5,"a":4,"b":1,"é":3}`, string(got))
}

func TestFormatFloat_MatchesProducerRepr(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{1.5, "1.5"},
		{1, "1.0"},
		{0.1, "0.1"},
		{0.0001, "0.0001"},
		{0.00001, "1e-05"},
		{1.0001e-5, "1.0001e-05"},
		{123456789012345.0, "123456789012345.0"},
		{1e15, "1000000000000000.0"},
		{1e16, "1e+16"},
		{1.5e300, "1.5e+300"},
		{-2.25, "-2.25"},
		{math.Copysign(0, -1), "0.0"},
		{5e-324, "5e-324"},
	}
	for _, tc := range cases {
		got, err := FormatFloat(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "input %v", tc.in)
	}
}

func TestMarshal_NonFiniteFloatFailsWithPath(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Marshal(map[string]any{"metrics": map[string]any{"loss": f}})
		require.ErrorIs(t, err, ErrNonFinite)

		var cerr *Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "$.metrics.loss", cerr.Path)
	}
}

func TestMarshal_RejectsUnsupportedInputs(t *testing.T) {
	type point struct{ X int }

	_, err := Marshal(point{X: 1})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Marshal([]byte("raw"))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Marshal(map[int]string{1: "a"})
	assert.ErrorIs(t, err, ErrNonStringKey)

	_, err = Marshal("bad \xff utf8")
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Marshal(make(chan int))
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestMarshal_EscapesControlCharactersAndKeepsUnicodeRaw(t *testing.T) {
	got, err := Marshal("q\"b\\n\n\t\x01\x1f\x7f ü 中  ")
	require.NoError(t, err)
	assert.Equal(t, "\"q\\\"b\\\\n\\n\\t\\u0001\\u001f\x7f ü 中  \"", string(got))
}

func TestMarshal_IntegersOfArbitrarySize(t *testing.T) {
	huge, ok := new(big.Int).SetString("-123456789012345678901234567890", 10)
	require.True(t, ok)

	got, err := Marshal([]any{0, -0, int8(-5), uint64(math.MaxUint64), huge})
	require.NoError(t, err)
	assert.Equal(t, `[0,0,-5,18446744073709551615,-123456789012345678901234567890]`, string(got))
}

func TestMarshal_TypedCollectionsMatchGenericOnes(t *testing.T) {
	typed, err := Marshal(map[string][]float64{"b": {0.5, 2}, "a": nil})
	require.NoError(t, err)
	generic, err := Marshal(map[string]any{"a": nil, "b": []any{0.5, 2.0}})
	require.NoError(t, err)
	assert.Equal(t, string(generic), string(typed))
}

func TestCanonicalize_EquivalentFloatSpellingsProduceSameBytes(t *testing.T) {
	a, err := Canonicalize([]byte(`{"v":0.10000000000000001}`))
	require.NoError(t, err)
	b, err := Canonicalize([]byte(`{ "v" : 1e-1 }`))
	require.NoError(t, err)

	assert.Equal(t, `{"v":0.1}`, string(a))
	assert.Equal(t, a, b)
}

func TestUnmarshal_RoundTripPreservesValues(t *testing.T) {
	big1, _ := new(big.Int).SetString("99999999999999999999", 10)
	values := []any{
		nil,
		true,
		"text with \"quotes\" and ü",
		int64(-7),
		big1,
		3.25,
		1e-7,
		[]any{},
		map[string]any{},
		map[string]any{
			"schema":  "R.v1",
			"nested":  map[string]any{"list": []any{int64(1), 2.0, "three", nil, false}},
			"reals":   []any{0.5, -1e+300},
			"empty":   "",
			"integer": int64(42),
		},
	}
	for _, v := range values {
		b, err := Marshal(v)
		require.NoError(t, err)

		back, err := Unmarshal(b)
		require.NoError(t, err)
		assert.True(t, Equal(v, back), "round trip of %s", b)

		again, err := Marshal(back)
		require.NoError(t, err)
		assert.Equal(t, b, again)
	}
}

func TestUnmarshal_DistinguishesIntegersFromFloats(t *testing.T) {
	v, err := Unmarshal([]byte(`[1,1.0,1e0,-0]`))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), 1.0, 1.0, int64(0)}, v)
}

func TestUnmarshal_RejectsMalformedInput(t *testing.T) {
	cases := map[string]struct {
		in   string
		kind error
	}{
		"trailing garbage":    {`{"a":1} x`, ErrMalformed},
		"second value":        {`{"a":1}{"b":2}`, ErrMalformed},
		"truncated":           {`{"a":`, ErrMalformed},
		"empty":               {``, ErrMalformed},
		"duplicate key":       {`{"a":1,"a":2}`, ErrDuplicateKey},
		"nested duplicate":    {`{"x":{"k":1,"k":1}}`, ErrDuplicateKey},
		"NaN literal":         {`{"a":NaN}`, ErrMalformed},
		"overflowing float":   {`[1e400]`, ErrNonFinite},
		"invalid utf8":        {"\"\xff\"", ErrMalformed},
		"single quoted":       {`{'a':1}`, ErrMalformed},
		"trailing comma":      {`[1,2,]`, ErrMalformed},
		"unterminated string": {`"abc`, ErrMalformed},
		"lone high surrogate": {`"\ud800"`, ErrMalformed},
		"lone low surrogate":  {`{"k":"x\udc00y"}`, ErrMalformed},
		"reversed pair":       {`"\udc00\ud800"`, ErrMalformed},
		"high then letter":    {`"\ud83d\u0041"`, ErrMalformed},
		"surrogate in key":    {`{"\ud800":1}`, ErrMalformed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tc.in))
			assert.ErrorIs(t, err, tc.kind)
		})
	}
}

func TestUnmarshal_AcceptsPairedSurrogatesAndEscapedBackslashes(t *testing.T) {
	v, err := Unmarshal([]byte(`["\ud83d\ude00","\\ud800","\u00e9"]`))
	require.NoError(t, err)
	assert.Equal(t, []any{"\U0001F600", `\ud800`, "é"}, v)
}

func TestCheckCanonical(t *testing.T) {
	_, err := CheckCanonical([]byte(`{"a":1,"b":[true,null]}`), false)
	assert.NoError(t, err)

	_, err = CheckCanonical([]byte("{\"a\":1}\n"), true)
	assert.NoError(t, err)

	_, err = CheckCanonical([]byte("{\"a\":1}\n"), false)
	assert.ErrorIs(t, err, ErrNonCanonical)

	_, err = CheckCanonical([]byte(`{"b":1,"a":2}`), false)
	assert.ErrorIs(t, err, ErrNonCanonical)

	_, err = CheckCanonical([]byte(`{"a": 1}`), false)
	assert.ErrorIs(t, err, ErrNonCanonical)

	_, err = CheckCanonical([]byte(`{"a":1e-1}`), false)
	assert.ErrorIs(t, err, ErrNonCanonical)

	_, err = CheckCanonical([]byte(`{"a":"é"}`), false)
	assert.ErrorIs(t, err, ErrNonCanonical)
}

func TestMarshal_JSONNumberIsNormalized(t *testing.T) {
	got, err := Marshal([]any{json.Number("1e-1"), json.Number("12"), json.Number("1.50")})
	require.NoError(t, err)
	assert.Equal(t, `[0.1,12,1.5]`, string(got))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(int64(3), 3))
	assert.True(t, Equal(big.NewInt(3), uint64(3)))
	assert.True(t, Equal(0.0, math.Copysign(0, -1)))
	assert.False(t, Equal(int64(1), 1.0))
	assert.False(t, Equal(map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}))
	assert.False(t, Equal([]any{1, 2}, []any{2, 1}))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, "x"))
}
