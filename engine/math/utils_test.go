package math

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(3, 5, 10))
	assert.Equal(t, 10, Clamp(12, 5, 10))
	assert.Equal(t, 7, Clamp(7, 5, 10))
	assert.Equal(t, 1.5, Clamp(1.5, 0.0, 2.0))
}

func TestMinMax(t *testing.T) {
	assert.Equal(t, uint32(1), Min(uint32(1), 2))
	assert.Equal(t, uint32(2), Max(uint32(1), 2))
	assert.Equal(t, -3, Min(-3, 3))
	assert.Equal(t, 3, Max(-3, 3))
}
