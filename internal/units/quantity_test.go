package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytes_RejectsNegative(t *testing.T) {
	_, err := Bytes(-1)
	require.ErrorIs(t, err, ErrNegative)

	b, err := Bytes(1024)
	require.NoError(t, err)
	assert.Equal(t, ByteCount(1024), b)
}

func TestCents_RejectsNegative(t *testing.T) {
	_, err := Cents(-500)
	require.ErrorIs(t, err, ErrNegative)
}

func TestByteCount_Arithmetic(t *testing.T) {
	assert.Equal(t, ByteCount(15), ByteCount(10).Add(5))
	assert.Equal(t, ByteCount(20), ByteCount(10).Mul(2))
	assert.Equal(t, ByteCount(3), ByteCount(10).Div(3))
	assert.Equal(t, ByteCount(1), ByteCount(10).Mod(3))
	assert.Equal(t, ByteCount(10), ByteCount(3).Max(10))

	got, err := ByteCount(10).Sub(4)
	require.NoError(t, err)
	assert.Equal(t, ByteCount(6), got)
}

func TestByteCount_SubUnderflow(t *testing.T) {
	_, err := ByteCount(4).Sub(10)
	require.ErrorIs(t, err, ErrNegative)
}

func TestCentAmount_SubUnderflow(t *testing.T) {
	_, err := CentAmount(0).Sub(1)
	require.ErrorIs(t, err, ErrNegative)
}

func TestCentAmount_String(t *testing.T) {
	assert.Equal(t, "5.00", CentAmount(500).String())
	assert.Equal(t, "0.07", CentAmount(7).String())
	assert.Equal(t, "12.34", CentAmount(1234).String())
}
