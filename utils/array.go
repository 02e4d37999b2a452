package utils

import (
	"fmt"
	"unsafe"
)

// BytesToT32 reinterprets a little-endian raw Triton output as 32-bit values.
// The returned slice aliases arr.
func BytesToT32[T int32 | float32](arr []byte) ([]T, error) {
	if len(arr) == 0 {
		return nil, nil
	}
	if len(arr)%4 != 0 {
		return nil, fmt.Errorf("raw output of %d bytes is not a multiple of 4", len(arr))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&arr[0])), len(arr)/4), nil
}
