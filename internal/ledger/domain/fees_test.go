package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateProcessorFee(t *testing.T) {
	// 2.9% + 30 on the charged amount, truncated. Nothing charged means no
	// fee, not the fixed component.
	assert.Equal(t, int64(0), EstimateProcessorFee(0))
	assert.Equal(t, int64(0), EstimateProcessorFee(-500))
	assert.Equal(t, int64(59), EstimateProcessorFee(1000))
	assert.Equal(t, int64(320), EstimateProcessorFee(10000))
	assert.Equal(t, int64(348), EstimateProcessorFee(10999))
}

func TestPlatformFee(t *testing.T) {
	assert.Equal(t, int64(500), PlatformFee(10000, 500))
	assert.Equal(t, int64(549), PlatformFee(10999, 500))
	assert.Equal(t, int64(0), PlatformFee(10000, 0))
}
