package gas

import (
	"testing"

	"github.com/btc-vision/opnet-engine/types"
	"github.com/stretchr/testify/require"
)

func TestConsumeWithinBudget(t *testing.T) {
	m := NewMeter(100)
	require.NoError(t, m.Consume(40))
	require.Equal(t, uint64(60), m.Remaining())
	require.Equal(t, uint64(40), m.Used())
}

func TestConsumeExhaustsOnOverdraw(t *testing.T) {
	m := NewMeter(100)
	err := m.Consume(150)
	require.ErrorIs(t, err, types.ErrOutOfGas)
	require.Equal(t, uint64(0), m.Remaining())
}

func TestForwardGasIsMinOfAvailableAndRequested(t *testing.T) {
	child, deducted := ForwardGas(6400, 6400)
	require.Equal(t, uint64(6400), child)
	require.Equal(t, uint64(6400), deducted)
}

func TestForwardGasCapsAtAvailableWhenRequestExceedsIt(t *testing.T) {
	child, deducted := ForwardGas(100, 6400)
	require.Equal(t, uint64(100), child)
	require.Equal(t, uint64(100), deducted)
}

func TestForwardGasCapsAtRequest(t *testing.T) {
	child, deducted := ForwardGas(6400, 100)
	require.Equal(t, uint64(100), child)
	require.Equal(t, uint64(100), deducted)
}

func TestRefundReturnsLeftoverGas(t *testing.T) {
	parent := NewMeter(1000)
	childGas, deduction := ForwardGas(parent.Remaining(), 500)
	require.NoError(t, parent.Consume(deduction))

	child := NewMeter(childGas)
	require.NoError(t, child.Consume(100))

	parent.Refund(child)
	require.Equal(t, uint64(1000-100), parent.Remaining())
}

func TestConvertSatToGasRoundsUpOnce(t *testing.T) {
	// burnedSats=3, Base=1e9 -> product=3e9; ratio=2e9 -> 3e9/2e9 = 1 r 1e9,
	// a nonzero remainder rounds the quotient up once, to 2.
	gasUnits, err := ConvertSatToGas(3, 1_000_000, 2_000_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(2), gasUnits)
}

func TestConvertSatToGasExactDivisionDoesNotRound(t *testing.T) {
	gasUnits, err := ConvertSatToGas(4, 1_000_000, 2_000_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(2), gasUnits)
}

func TestConvertSatToGasClampsAtMax(t *testing.T) {
	gasUnits, err := ConvertSatToGas(1_000_000, 10, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(10), gasUnits)
}

func TestConvertSatToGasZeroRatio(t *testing.T) {
	_, err := ConvertSatToGas(10, 100, 0)
	require.ErrorIs(t, err, types.ErrOutOfGas)
}

func TestScaleRoundsUp(t *testing.T) {
	require.Equal(t, uint64(4), Scale(10, 3))
	require.Equal(t, uint64(5), Scale(10, 2))
}
