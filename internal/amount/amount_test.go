package amount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_UniquePerSuffix(t *testing.T) {
	base := 10 * Unit
	seen := make(map[Micro]int, MaxSuffix)
	for s := MinSuffix; s <= MaxSuffix; s++ {
		total, err := Generate(base, s)
		require.NoError(t, err)
		if prev, dup := seen[total]; dup {
			t.Fatalf("suffix %d and %d produced the same total %s", prev, s, total)
		}
		seen[total] = s
	}
	assert.Len(t, seen, MaxSuffix)
}

func TestGenerate_Example(t *testing.T) {
	total, err := Generate(10*Unit, 42)
	require.NoError(t, err)
	assert.Equal(t, Micro(10_042_000), total)
	assert.Equal(t, "10.042", total.Display())
	assert.Equal(t, "10.042000", total.String())
}

func TestGenerate_Rejects(t *testing.T) {
	_, err := Generate(10*Unit, 0)
	assert.ErrorIs(t, err, ErrInvalidSuffix)
	_, err = Generate(10*Unit, 1000)
	assert.ErrorIs(t, err, ErrInvalidSuffix)
	_, err = Generate(0, 5)
	assert.ErrorIs(t, err, ErrInvalidBase)
	_, err = Generate(-Unit, 5)
	assert.ErrorIs(t, err, ErrInvalidBase)
	// 10.0005 + 0.042 would display as 10.043 but store 10.0425
	_, err = Generate(10_000_500, 42)
	assert.ErrorIs(t, err, ErrBasePrecision)
}

func TestNewBase_AcceptsWholeThousandths(t *testing.T) {
	for _, m := range []Micro{Unit, 10_041_000, 25*Unit + 500_000} {
		got, err := NewBase(m)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestMatchFloat_IgnoresFloatArtifacts(t *testing.T) {
	assert.True(t, MatchFloat(10.1+0.023, 10.123))
	assert.False(t, MatchFloat(10.042, 10.043))
}

func TestExtractSuffix(t *testing.T) {
	total, err := Generate(25*Unit+500_000, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, ExtractSuffix(total, 25*Unit+500_000))
	assert.Equal(t, 999, ExtractSuffix(10_999_000, 10*Unit))
}

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Micro
		err  error
	}{
		{in: "10.042", want: 10_042_000},
		{in: "10", want: 10_000_000},
		{in: "0.000001", want: 1},
		{in: "10.0420000", want: 10_042_000},
		{in: "1.0000001", err: ErrPrecision},
		{in: "-1", err: ErrNegative},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := Parse("ten")
	assert.Error(t, err)
}
