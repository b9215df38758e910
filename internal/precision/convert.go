package precision

import "math"

// RoundTrip simulates storing v at the policy's compute precision. The
// training loop applies it to activations so reduced-precision compute is
// reproduced exactly regardless of the host float width.
func RoundTrip(v float32, d DType) float32 {
	switch d {
	case BF16:
		return BF16ToF32(F32ToBF16(v))
	case F16:
		return F16ToF32(F32ToF16(v))
	default:
		return v
	}
}

// BF16ToF32 widens a bfloat16 bit pattern.
func BF16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// F32ToBF16 truncates to bfloat16 with round-to-nearest-even.
func F32ToBF16(v float32) uint16 {
	bits := math.Float32bits(v)
	rounding := uint32(0x7FFF + ((bits >> 16) & 1))
	return uint16((bits + rounding) >> 16)
}

// F16ToF32 widens an IEEE half-precision bit pattern.
func F16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

// F32ToF16 narrows to IEEE half precision, clamping overflow to inf and
// flushing values below the subnormal range to zero.
func F32ToF16(v float32) uint16 {
	bits := math.Float32bits(v)
	sign := uint16(bits>>16) & 0x8000
	exp := int32((bits>>23)&0xFF) - 127 + 15
	frac := bits & 0x7FFFFF

	if (bits>>23)&0xFF == 0xFF { // inf or nan
		if frac != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}
	if exp >= 0x1F {
		return sign | 0x7C00
	}
	if exp <= 0 {
		if exp < -10 {
			return sign
		}
		frac |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(frac >> shift)
		if frac>>(shift-1)&1 != 0 {
			half++
		}
		return sign | half
	}
	half := sign | uint16(exp<<10) | uint16(frac>>13)
	if frac&0x1000 != 0 {
		half++
	}
	return half
}
