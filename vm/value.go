package vm

import (
	"math"
)

// Value represents a Perch value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-float values
// are encoded in the NaN (Not-a-Number) space using the quiet NaN prefix
// and tag bits to distinguish types.
//
// Encoding scheme:
//   - Float: Native IEEE 754 double (if not a NaN, it's a float)
//   - Int: Quiet NaN + tagInt + 48-bit signed payload
//   - Special: Quiet NaN + tagSpecial + special value ID (none/true/false)
//   - Handle: Quiet NaN + tagHandle + 32-bit owned-cell ID
//
// Handles reference Owned Cells in a Heap; the cell payload distinguishes
// strings, functions, errors, and process handles.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	// 0x7FF8_0000_0000_0000
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for int/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagInt     uint64 = 0x0001000000000000 // 48-bit signed integer
	tagSpecial uint64 = 0x0002000000000000 // none, true, false
	tagHandle  uint64 = 0x0003000000000000 // owned-cell ID

	// Sign bit for 48-bit integer sign extension
	intSignBit uint64 = 0x0000800000000000

	// Mask for sign extension
	intSignExtend uint64 = 0xFFFF000000000000
)

// Special value payloads
const (
	specialNone  uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	None  Value = Value(nanBits | tagSpecial | specialNone)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// Int range (48-bit signed)
const (
	MaxInt int64 = (1 << 47) - 1
	MinInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
// A value is a float if it's not one of our tagged NaN values.
// This includes regular numbers, infinities, and "real" NaN values.
func (v Value) IsFloat() bool {
	bits := uint64(v)

	// Exponent not all 1s: a regular float.
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}

	// Exponent all 1s with zero mantissa is +/-Inf, a valid float.
	if (bits & 0x000FFFFFFFFFFFFF) == 0 {
		return true
	}

	// Signaling NaNs are not ours; treat as float.
	if (bits & nanBits) != nanBits {
		return true
	}

	// A quiet NaN with no tag bits is a "real" NaN, also a float.
	return (bits & tagMask) == 0
}

// IsInt returns true if v represents an integer.
func (v Value) IsInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsHandle returns true if v references an owned heap cell.
func (v Value) IsHandle() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagHandle)
}

// IsNone returns true if v is the none marker.
func (v Value) IsNone() bool {
	return v == None
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsSpecial returns true if v is none, true, or false.
func (v Value) IsSpecial() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSpecial)
}

// IsNumber returns true if v is an integer or a float.
func (v Value) IsNumber() bool {
	return v.IsInt() || v.IsFloat()
}

// ---------------------------------------------------------------------------
// Float operations
// ---------------------------------------------------------------------------

// Float64 returns v as a float64.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// Int operations
// ---------------------------------------------------------------------------

// Int returns v as an int64.
// Panics if v is not an integer.
func (v Value) Int() int64 {
	if !v.IsInt() {
		panic("Value.Int: not an integer")
	}
	payload := uint64(v) & payloadMask

	// Sign extend from 48 bits to 64 bits
	if (payload & intSignBit) != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromInt creates a Value from an int64.
// Panics if n is outside the Int range.
func FromInt(n int64) Value {
	if n > MaxInt || n < MinInt {
		panic("FromInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromInt creates a Value from an int64, returning false if out of range.
func TryFromInt(n int64) (Value, bool) {
	if n > MaxInt || n < MinInt {
		return None, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// ---------------------------------------------------------------------------
// Handle operations
// ---------------------------------------------------------------------------

// CellID returns the owned-cell ID encoded in v.
// Panics if v is not a handle.
func (v Value) CellID() uint32 {
	if !v.IsHandle() {
		panic("Value.CellID: not a handle")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromCellID creates a handle Value from an owned-cell ID.
func FromCellID(id uint32) Value {
	return Value(nanBits | tagHandle | uint64(id))
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// ---------------------------------------------------------------------------
// Truthiness
// ---------------------------------------------------------------------------

// IsTruthy returns true if v is considered "truthy" in conditionals.
// Only false and none are falsy; everything else is truthy.
func (v Value) IsTruthy() bool {
	return v != False && v != None
}

// IsFalsy returns true if v is considered "falsy" in conditionals.
func (v Value) IsFalsy() bool {
	return v == False || v == None
}
