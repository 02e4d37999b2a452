package utils

import (
	"encoding/binary"
	"github.com/stretchr/testify/assert"
	"math"
	"testing"
)

func TestBytesToT32(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:], math.Float32bits(1.5))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-2.25))

	vals, err := BytesToT32[float32](raw)
	assert.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2.25}, vals)

	_, err = BytesToT32[int32](raw[:5])
	assert.Error(t, err)

	empty, err := BytesToT32[float32](nil)
	assert.NoError(t, err)
	assert.Nil(t, empty)
}
