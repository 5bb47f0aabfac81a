// Package units provides the non-negative integer quantities used in
// billing math. ByteCount and CentAmount are deliberately distinct types
// so that a byte count can never be handed to a function expecting money.
package units

import (
	"errors"
	"fmt"
)

// ErrNegative is returned when an operation would produce a negative
// quantity. Billing callers treat this as a programming error.
var ErrNegative = errors.New("units: negative quantity")

const (
	Megabyte = ByteCount(1024 * 1024)
	Gigabyte = ByteCount(1024 * 1024 * 1024)
)

// ByteCount is a non-negative number of bytes.
type ByteCount int64

// CentAmount is a non-negative amount of money in cents.
type CentAmount int64

// Bytes validates v as a byte count.
func Bytes(v int64) (ByteCount, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrNegative, v)
	}
	return ByteCount(v), nil
}

// Cents validates v as a cent amount.
func Cents(v int64) (CentAmount, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: %d cents", ErrNegative, v)
	}
	return CentAmount(v), nil
}

type quantity interface {
	~int64
}

func add[T quantity](a, b T) T { return a + b }

func sub[T quantity](a, b T) (T, error) {
	if b > a {
		return 0, fmt.Errorf("%w: %d - %d", ErrNegative, a, b)
	}
	return a - b, nil
}

func mul[T quantity](a T, n int64) T { return a * T(n) }

func div[T quantity](a T, n int64) T { return a / T(n) }

func mod[T quantity](a T, n int64) T { return a % T(n) }

func maxOf[T quantity](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func (b ByteCount) Add(o ByteCount) ByteCount          { return add(b, o) }
func (b ByteCount) Sub(o ByteCount) (ByteCount, error) { return sub(b, o) }
func (b ByteCount) Mul(n int64) ByteCount              { return mul(b, n) }
func (b ByteCount) Div(n int64) ByteCount              { return div(b, n) }
func (b ByteCount) Mod(n int64) ByteCount              { return mod(b, n) }
func (b ByteCount) Max(o ByteCount) ByteCount          { return maxOf(b, o) }
func (b ByteCount) Int64() int64                       { return int64(b) }

func (c CentAmount) Add(o CentAmount) CentAmount          { return add(c, o) }
func (c CentAmount) Sub(o CentAmount) (CentAmount, error) { return sub(c, o) }
func (c CentAmount) Mul(n int64) CentAmount               { return mul(c, n) }
func (c CentAmount) Div(n int64) CentAmount               { return div(c, n) }
func (c CentAmount) Mod(n int64) CentAmount               { return mod(c, n) }
func (c CentAmount) Max(o CentAmount) CentAmount          { return maxOf(c, o) }
func (c CentAmount) Int64() int64                         { return int64(c) }

// String formats a cent amount as a decimal money string, e.g. "5.00".
func (c CentAmount) String() string {
	return fmt.Sprintf("%d.%02d", c.Div(100).Int64(), c.Mod(100).Int64())
}
