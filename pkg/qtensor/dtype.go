package qtensor

import "fmt"

// DType identifies the integer storage type of a quantized tensor.
type DType uint8

const (
	// Int8 is the signed 8-bit type used for weights.
	Int8 DType = iota + 1
	// UInt8 is the unsigned 8-bit type used for activations.
	UInt8
	// Int32 is the signed 32-bit type used for biases and accumulators.
	Int32
)

// QMin returns the smallest representable quantized value for the dtype.
func (d DType) QMin() int32 {
	switch d {
	case Int8:
		return -128
	case UInt8:
		return 0
	case Int32:
		return -2147483648
	default:
		return 0
	}
}

// QMax returns the largest representable quantized value for the dtype.
func (d DType) QMax() int32 {
	switch d {
	case Int8:
		return 127
	case UInt8:
		return 255
	case Int32:
		return 2147483647
	default:
		return 0
	}
}

// ElemSize returns the serialized width of one element in bytes.
func (d DType) ElemSize() int {
	switch d {
	case Int8, UInt8:
		return 1
	case Int32:
		return 4
	default:
		return 0
	}
}

// Signed reports whether the dtype is signed.
func (d DType) Signed() bool {
	return d == Int8 || d == Int32
}

// Valid reports whether d is one of the supported dtypes.
func (d DType) Valid() bool {
	switch d {
	case Int8, UInt8, Int32:
		return true
	default:
		return false
	}
}

func (d DType) String() string {
	switch d {
	case Int8:
		return "int8"
	case UInt8:
		return "uint8"
	case Int32:
		return "int32"
	default:
		return fmt.Sprintf("dtype_%d", uint8(d))
	}
}

// ParseDType maps a dtype name back to its DType. The zero DType and false
// are returned for unknown names.
func ParseDType(name string) (DType, bool) {
	switch name {
	case "int8":
		return Int8, true
	case "uint8":
		return UInt8, true
	case "int32":
		return Int32, true
	default:
		return 0, false
	}
}
