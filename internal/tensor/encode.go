package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFloat32 writes v into dst as one element of dtype, quantizing when
// dtype carries quantization parameters.
func EncodeFloat32(dtype DType, v float32, dst []byte) error {
	if len(dst) < dtype.Type.Size() {
		return fmt.Errorf("destination too small for %s", dtype.Type)
	}
	q := quantize(dtype, v)
	switch dtype.Type {
	case Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
	case Float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(float64(v)))
	case Float16:
		binary.LittleEndian.PutUint16(dst, Float32ToFloat16(v))
	case BFloat16:
		binary.LittleEndian.PutUint16(dst, uint16(math.Float32bits(v)>>16))
	case Int8:
		dst[0] = byte(int8(clamp(q, math.MinInt8, math.MaxInt8)))
	case Uint8:
		dst[0] = uint8(clamp(q, 0, math.MaxUint8))
	case Bool8:
		dst[0] = 0
		if v != 0 {
			dst[0] = 1
		}
	case Int16:
		binary.LittleEndian.PutUint16(dst, uint16(int16(clamp(q, math.MinInt16, math.MaxInt16))))
	case Uint16:
		binary.LittleEndian.PutUint16(dst, uint16(clamp(q, 0, math.MaxUint16)))
	case Int32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(clamp(q, math.MinInt32, math.MaxInt32))))
	case Uint32:
		binary.LittleEndian.PutUint32(dst, uint32(clamp(q, 0, math.MaxUint32)))
	case Int64:
		binary.LittleEndian.PutUint64(dst, uint64(int64(q)))
	case Uint64:
		binary.LittleEndian.PutUint64(dst, uint64(math.Max(q, 0)))
	default:
		return fmt.Errorf("cannot encode %s", dtype.Type)
	}
	return nil
}

// DecodeFloat32 reads one element of dtype from src, dequantizing when needed.
func DecodeFloat32(dtype DType, src []byte) (float32, error) {
	var raw float64
	switch dtype.Type {
	case Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(src)), nil
	case Float64:
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(src))), nil
	case Float16:
		return Float16ToFloat32(binary.LittleEndian.Uint16(src)), nil
	case BFloat16:
		return math.Float32frombits(uint32(binary.LittleEndian.Uint16(src)) << 16), nil
	case Int8:
		raw = float64(int8(src[0]))
	case Uint8, Bool8:
		raw = float64(src[0])
	case Int16:
		raw = float64(int16(binary.LittleEndian.Uint16(src)))
	case Uint16:
		raw = float64(binary.LittleEndian.Uint16(src))
	case Int32:
		raw = float64(int32(binary.LittleEndian.Uint32(src)))
	case Uint32:
		raw = float64(binary.LittleEndian.Uint32(src))
	case Int64:
		raw = float64(int64(binary.LittleEndian.Uint64(src)))
	case Uint64:
		raw = float64(binary.LittleEndian.Uint64(src))
	default:
		return 0, fmt.Errorf("cannot decode %s", dtype.Type)
	}
	return dequantize(dtype, raw), nil
}

func quantize(dtype DType, v float32) float64 {
	switch dtype.Qnt {
	case QuantAffineAsymmetric, QuantAffineSymmetric:
		if dtype.Scale == 0 {
			return math.Round(float64(v))
		}
		return math.Round(float64(v)/float64(dtype.Scale)) + float64(dtype.ZeroPoint)
	case QuantDFP:
		return math.Round(float64(v) * math.Pow(2, float64(dtype.FixedPointPos)))
	default:
		return math.Round(float64(v))
	}
}

func dequantize(dtype DType, raw float64) float32 {
	switch dtype.Qnt {
	case QuantAffineAsymmetric, QuantAffineSymmetric:
		return float32((raw - float64(dtype.ZeroPoint)) * float64(dtype.Scale))
	case QuantDFP:
		return float32(raw / math.Pow(2, float64(dtype.FixedPointPos)))
	default:
		return float32(raw)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float32) error {
	width := t.attr.DType.Type.Size()
	elem := make([]byte, width)
	if err := EncodeFloat32(t.attr.DType, value, elem); err != nil {
		return err
	}
	view, err := t.Map(WriteOnly)
	if err != nil {
		return err
	}
	for off := 0; off+width <= len(view); off += width {
		copy(view[off:], elem)
	}
	return t.Unmap()
}

// Float32s decodes the whole tensor to float32 values.
func (t *Tensor) Float32s() ([]float32, error) {
	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	return DecodeAll(t.attr.DType, data)
}

// SetFloat32s encodes values into the tensor storage.
func (t *Tensor) SetFloat32s(values []float32) error {
	if len(values) != t.ElementCount() {
		return fmt.Errorf("got %d values for %d elements", len(values), t.ElementCount())
	}
	data, err := EncodeAll(t.attr.DType, values)
	if err != nil {
		return err
	}
	return t.CopyFrom(data)
}

// DecodeAll decodes a storage-order byte slice into float32 values.
func DecodeAll(dtype DType, data []byte) ([]float32, error) {
	width := dtype.Type.Size()
	if width == 0 {
		return nil, fmt.Errorf("cannot decode %s", dtype.Type)
	}
	out := make([]float32, len(data)/width)
	for i := range out {
		v, err := DecodeFloat32(dtype, data[i*width:])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// EncodeAll encodes float32 values into a storage-order byte slice.
func EncodeAll(dtype DType, values []float32) ([]byte, error) {
	width := dtype.Type.Size()
	if width == 0 {
		return nil, fmt.Errorf("cannot encode %s", dtype.Type)
	}
	out := make([]byte, len(values)*width)
	for i, v := range values {
		if err := EncodeFloat32(dtype, v, out[i*width:]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Float16ToFloat32 converts IEEE 754 half precision bits to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := (h >> 15) & 0x1
	exp := (h >> 10) & 0x1F
	mant := h & 0x3FF

	var result uint32

	switch exp {
	case 0:
		if mant == 0 {
			result = uint32(sign) << 31
		} else {
			// Subnormal number - normalize it.
			e := int32(1)
			for (mant & 0x400) == 0 {
				mant <<= 1
				e--
			}
			mant &= 0x3FF
			result = (uint32(sign) << 31) | (uint32(e+127-15) << 23) | (uint32(mant) << 13)
		}
	case 0x1F:
		result = (uint32(sign) << 31) | 0x7F800000 | (uint32(mant) << 13)
	default:
		result = (uint32(sign) << 31) | (uint32(exp+127-15) << 23) | (uint32(mant) << 13)
	}

	return math.Float32frombits(result)
}

// Float32ToFloat16 converts float32 to IEEE 754 half precision bits.
// Values too small for a normal half flush to zero.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := (bits >> 31) & 0x1
	exp := (bits >> 23) & 0xFF
	mant := bits & 0x7FFFFF

	if exp == 0 {
		return uint16(sign << 15)
	}
	if exp == 0xFF {
		if mant != 0 {
			return uint16(sign<<15) | 0x7E00
		}
		return uint16(sign<<15) | 0x7C00
	}

	newExp := int(exp) - 127 + 15
	if newExp <= 0 {
		return uint16(sign << 15)
	}
	if newExp >= 31 {
		return uint16(sign<<15) | 0x7C00
	}

	return uint16(sign<<15) | uint16(newExp<<10) | uint16(mant>>13)
}
