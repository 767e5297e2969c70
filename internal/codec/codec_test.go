package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInt24BE(t *testing.T) {
	tests := []struct {
		name     string
		in       [3]byte
		expected int32
	}{
		{name: "max positive", in: [3]byte{0x7F, 0xFF, 0xFF}, expected: 8388607},
		{name: "min negative", in: [3]byte{0x80, 0x00, 0x00}, expected: -8388608},
		{name: "minus one", in: [3]byte{0xFF, 0xFF, 0xFF}, expected: -1},
		{name: "zero", in: [3]byte{0x00, 0x00, 0x00}, expected: 0},
		{name: "one", in: [3]byte{0x00, 0x00, 0x01}, expected: 1},
		{name: "mid range", in: [3]byte{0x01, 0x02, 0x03}, expected: 0x010203},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Int24BE(tt.in[0], tt.in[1], tt.in[2]))
			assert.Equal(t, tt.expected, DecodeBESigned(tt.in[:], 24), "generic decoder MUST agree")
		})
	}
}

func TestInt16BE(t *testing.T) {
	tests := []struct {
		name     string
		in       [2]byte
		expected int32
	}{
		{name: "one", in: [2]byte{0x00, 0x01}, expected: 1},
		{name: "minus one", in: [2]byte{0xFF, 0xFF}, expected: -1},
		{name: "max positive", in: [2]byte{0x7F, 0xFF}, expected: 32767},
		{name: "min negative", in: [2]byte{0x80, 0x00}, expected: -32768},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Int16BE(tt.in[0], tt.in[1]))
			assert.Equal(t, tt.expected, DecodeBESigned(tt.in[:], 16), "generic decoder MUST agree")
		})
	}
}

func TestDecodeBESigned_ShortInput(t *testing.T) {
	// missing bytes read as zero, never panic
	assert.Equal(t, int32(0x7F0000), DecodeBESigned([]byte{0x7F}, 24))
	assert.Equal(t, int32(0), DecodeBESigned(nil, 16))
	assert.Equal(t, int32(-128), DecodeBESigned([]byte{0x80}, 8))
}

func TestPutBESigned_Inverse(t *testing.T) {
	for _, width := range []int{8, 16, 24, 32} {
		buf := make([]byte, Width(width))
		for _, v := range []int64{0, 1, -1, 100, -100, 1 << 40, -(1 << 40)} {
			clamped := Clamp(v, width)
			PutBESigned(buf, clamped, width)
			assert.Equal(t, clamped, DecodeBESigned(buf, width), "width %d value %d MUST round trip", width, v)
		}
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, int32(8388607), Clamp(1<<30, 24))
	assert.Equal(t, int32(-8388608), Clamp(-(1 << 30), 24))
	assert.Equal(t, int32(-5), Clamp(-5, 16))
}
