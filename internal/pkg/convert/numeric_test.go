package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFloat(t *testing.T) {
	v, err := ParseFloat("price", "101.25")
	require.NoError(t, err)
	assert.Equal(t, 101.25, v)

	for _, raw := range []string{"", "NaN", "+Inf", "x"} {
		_, err := ParseFloat("price", raw)
		assert.Error(t, err, raw)
	}
	assert.Equal(t, 0.0, FloatOrZero("bad"))
}

func TestFormatFixed(t *testing.T) {
	assert.Equal(t, "0.123", FormatFixed(0.12399, 3))
	assert.Equal(t, "100", FormatFixed(100, 2))
	assert.Equal(t, "0.00000012", FormatFixed(1.2e-7, 8))
}
