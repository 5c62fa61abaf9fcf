// Package gas implements the engine's gas accounting: conversion from
// burned satoshis to gas units, per-frame budget propagation, and the
// min(remaining, requested) forwarding rule used when a frame spawns a
// child call.
package gas

import (
	"sync/atomic"

	"github.com/holiman/uint256"

	"github.com/btc-vision/opnet-engine/metrics"
	"github.com/btc-vision/opnet-engine/types"
)

// Base is the fixed-point scale gas amounts are quoted in. Gas values move
// between satoshi space and gas space through this base, never through a
// plain unscaled integer.
const Base uint64 = 1_000_000_000

// Meter tracks gas availability for a single call frame. Frames form a
// tree; a child Meter is created via ForwardGas and its leftover gas is
// absorbed back into the parent on return, revert or not, per spec
// invariant 4 (gas is monotonically non-increasing, never refunded past
// what a reverted sub-call already spent).
type Meter struct {
	limit uint64
	used  uint64
}

// NewMeter creates a meter with the given gas limit already budgeted.
func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit}
}

// Remaining returns the gas left in this frame.
func (m *Meter) Remaining() uint64 {
	if m.used > m.limit {
		return 0
	}
	return m.limit - m.used
}

// Used returns the gas consumed so far in this frame.
func (m *Meter) Used() uint64 {
	return m.used
}

// Limit returns the frame's total gas budget.
func (m *Meter) Limit() uint64 {
	return m.limit
}

// Consume deducts amount from the frame's remaining gas. Returns
// types.ErrOutOfGas, leaving the meter fully exhausted, if amount exceeds
// what remains.
func (m *Meter) Consume(amount uint64) error {
	remaining := m.Remaining()
	if amount > remaining {
		m.used = m.limit
		atomic.AddUint64(&totalGasUsed, remaining)
		metrics.Default.Counter("engine_gas_used_total").Add(float64(remaining))
		return types.ErrOutOfGas
	}
	m.used += amount
	atomic.AddUint64(&totalGasUsed, amount)
	metrics.Default.Counter("engine_gas_used_total").Add(float64(amount))
	return nil
}

// totalGasUsed is a process-wide counter kept alongside the registry's
// engine_gas_used_total counter (Consume updates both on every call), so
// TotalGasUsed can be read without a registry lookup.
var totalGasUsed uint64

// TotalGasUsed returns the process-wide cumulative gas consumption across
// every Meter ever created. Exists for diagnostics and tests.
func TotalGasUsed() uint64 {
	return atomic.LoadUint64(&totalGasUsed)
}

// ForwardGas computes the gas a child frame receives when the parent has
// `available` remaining and the call site requests `requested`:
// child_limit = min(available, requested), with no retention held back.
// childGas is the amount the new Meter should be created with;
// callerDeduction is what must be Consume'd from the parent immediately
// (the child absorbs any of its own unused gas back into the parent when
// it finishes, via Meter.Refund).
func ForwardGas(available, requested uint64) (childGas, callerDeduction uint64) {
	if requested > available {
		requested = available
	}
	return requested, requested
}

// Refund returns unspent child gas to the parent meter. Called after a
// child frame completes, whether it reverted or not — per spec invariant
// 4, a revert keeps the gas the child already spent but returns what it
// never touched.
func (m *Meter) Refund(childMeter *Meter) {
	leftover := childMeter.Remaining()
	if leftover == 0 {
		return
	}
	if m.used < leftover {
		m.used = 0
	} else {
		m.used -= leftover
	}
}

// ConvertSatToGas converts a burned-satoshi amount into gas units using
// the block's sat-per-gas ratio, clamping at maxGas. The conversion rounds
// up at most once. The converted budget is then passed through Scale once
// per transaction, which rounds its own division up; nested calls neither
// convert nor scale, so no rounding happens per frame.
func ConvertSatToGas(burnedSats, maxGas, ratio uint64) (uint64, error) {
	if ratio == 0 {
		return 0, types.ErrOutOfGas
	}

	product := new(uint256.Int).Mul(uint256.NewInt(burnedSats), uint256.NewInt(Base))
	quotient, remainder := new(uint256.Int), new(uint256.Int)
	quotient.DivMod(product, uint256.NewInt(ratio), remainder)

	if !remainder.IsZero() {
		// round up by one gas unit, exactly once
		quotient.AddUint64(quotient, 1)
	}

	limit := uint256.NewInt(maxGas)
	if quotient.Gt(limit) {
		return maxGas, nil
	}
	return quotient.Uint64(), nil
}

// Scale converts an already-gas-denominated budget into the number of
// executable units available this block, given baseGasPerUnit (the
// block's dynamic base-gas scaling factor). It divides and rounds up by
// one, matching ConvertSatToGas's single-rounding-event rule — Scale never
// compounds rounding across nested calls because it operates on the
// frame's total budget once, not per opcode.
func Scale(scaledGas, baseGasPerUnit uint64) uint64 {
	if baseGasPerUnit == 0 {
		return scaledGas
	}
	q := scaledGas / baseGasPerUnit
	if scaledGas%baseGasPerUnit != 0 {
		q++
	}
	return q
}
