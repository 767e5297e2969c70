// Package codec converts fixed-width big-endian two's-complement fields into
// signed integers. All functions are pure, allocation free and defined for
// every input byte pattern.
package codec

// Int24BE decodes a 24-bit big-endian two's-complement field.
func Int24BE(b0, b1, b2 byte) int32 {
	v := uint32(b0)<<16 | uint32(b1)<<8 | uint32(b2)
	if v&0x00800000 != 0 {
		v |= 0xFF000000
	} else {
		v &= 0x00FFFFFF
	}
	return int32(v)
}

// Int16BE decodes a 16-bit big-endian two's-complement field.
func Int16BE(b0, b1 byte) int32 {
	v := uint32(b0)<<8 | uint32(b1)
	if v&0x00008000 != 0 {
		v |= 0xFFFF0000
	} else {
		v &= 0x0000FFFF
	}
	return int32(v)
}

// DecodeBESigned decodes the leading widthBits/8 bytes of b as a big-endian
// two's-complement integer. Supported widths are 8, 16, 24 and 32; any other
// width is treated as 32. Missing bytes read as zero.
func DecodeBESigned(b []byte, widthBits int) int32 {
	at := func(i int) byte {
		if i < len(b) {
			return b[i]
		}
		return 0
	}

	switch widthBits {
	case 8:
		return int32(int8(at(0)))
	case 16:
		return Int16BE(at(0), at(1))
	case 24:
		return Int24BE(at(0), at(1), at(2))
	default:
		return int32(uint32(at(0))<<24 | uint32(at(1))<<16 | uint32(at(2))<<8 | uint32(at(3)))
	}
}

// Width returns the byte size of a field of widthBits, matching DecodeBESigned.
func Width(widthBits int) int {
	switch widthBits {
	case 8:
		return 1
	case 16:
		return 2
	case 24:
		return 3
	default:
		return 4
	}
}

// PutInt24BE writes the low 24 bits of v into dst[0:3].
func PutInt24BE(dst []byte, v int32) {
	_ = dst[2]
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

// PutInt16BE writes the low 16 bits of v into dst[0:2].
func PutInt16BE(dst []byte, v int32) {
	_ = dst[1]
	dst[0] = byte(v >> 8)
	dst[1] = byte(v)
}

// PutBESigned is the inverse of DecodeBESigned for the given width.
func PutBESigned(dst []byte, v int32, widthBits int) {
	switch widthBits {
	case 8:
		dst[0] = byte(v)
	case 16:
		PutInt16BE(dst, v)
	case 24:
		PutInt24BE(dst, v)
	default:
		_ = dst[3]
		dst[0] = byte(v >> 24)
		dst[1] = byte(v >> 16)
		dst[2] = byte(v >> 8)
		dst[3] = byte(v)
	}
}

// Clamp limits v to the signed range representable in widthBits.
func Clamp(v int64, widthBits int) int32 {
	bits := Width(widthBits) * 8
	maxV := int64(1)<<(bits-1) - 1
	minV := -int64(1) << (bits - 1)
	if v > maxV {
		return int32(maxV)
	}
	if v < minV {
		return int32(minV)
	}
	return int32(v)
}
