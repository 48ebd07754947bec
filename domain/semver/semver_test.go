package semver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSatisfies(t *testing.T) {
	tests := []struct {
		version string
		rng     string
		want    bool
	}{
		{"2.3.1", "^2.0.0", true},
		{"3.0.0", "^2.0.0", false},
		{"1.4.0", "~1.4.9", true},
		{"1.5.0", "~1.4.9", false},
		{"0.0.1", "*", true},
		{"9.9.9", "latest", true},
		{"1.2.3", "", true},
		{"1.2.3", "1.2.3", true},
		{"1.2.4", "1.2.3", false},
		{"1.2.3", "=1.2.3", true},
		{"1.10.0", ">=1.9.0", true},
		{"1.9.0", ">1.9.0", false},
		{"1.9.0", "<=1.9.0", true},
		{"1.8.9", "<1.9.0", true},
		{"2.0.0", ">=1.0.0 <2.0.0", false},
		{"1.5.0", ">=1.0.0 <2.0.0", true},
		{"1.2.3-beta.1", "1.2.3", true},
		{"v1.2.3", "^1.0.0", true},
		{"x", "*", false},
		{"1.2", "*", false},
		{"1.2.3", "^bogus", false},
		{"1.0.0", "^1.4.0", true},
		{"1.0.0", "^1.0.0 >=1.4.0", false},
		{"0.9.0", "^0.1.0", true},
		{"4.5.6", "x", true},
		{"1.2.3", "1.x", false},
		{"1.2.3", "1.0.0 || 1.2.3", false},
	}
	for _, tt := range tests {
		t.Run(tt.version+" "+tt.rng, func(t *testing.T) {
			assert.Equal(t, tt.want, Satisfies(tt.version, tt.rng))
		})
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("1.0.0"))
	assert.True(t, Valid("1.0.0-rc.1+build.5"))
	assert.False(t, Valid("1.0"))
	assert.False(t, Valid("01.0.0"))
	assert.False(t, Valid("latest"))
}

func TestParseAndCompare(t *testing.T) {
	a, err := Parse("1.10.0")
	require.NoError(t, err)
	b, err := Parse("1.9.12")
	require.NoError(t, err)

	assert.Equal(t, 1, Compare(a, b))
	assert.Equal(t, -1, Compare(b, a))
	assert.Equal(t, 0, Compare(a, a))
	assert.Equal(t, "1.10.0", a.String())

	_, err = Parse("one.two.three")
	assert.Error(t, err)
}

func TestLatest(t *testing.T) {
	v, ok := Latest([]string{"1.0.0", "bad", "1.10.0", "1.9.0"})
	require.True(t, ok)
	assert.Equal(t, "1.10.0", v)

	_, ok = Latest([]string{"bad"})
	assert.False(t, ok)
}

func TestParseRange_Invalid(t *testing.T) {
	_, err := ParseRange(">=1.0")
	assert.Error(t, err)
	assert.False(t, ValidRange("~"))
	assert.True(t, ValidRange("^1.0.0"))
}

func TestCompareStrings(t *testing.T) {
	assert.Equal(t, -1, CompareStrings("1.2.0", "1.10.0"))
	assert.Equal(t, 0, CompareStrings("v1.0.0", "1.0.0"))
	assert.Equal(t, -1, CompareStrings("bad", "0.0.1"))
	assert.Equal(t, 1, CompareStrings("0.0.1", "bad"))
}
