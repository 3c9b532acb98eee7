// Package riskerr defines the error categories shared by the risk engine and
// its adapters. Callers match them with errors.Is; Code turns them into stable
// identifiers for the HTTP API and CLI output.
package riskerr

import (
	"errors"

	"collateral-risk/internal/fixed"
)

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrAssetNotSupported    = errors.New("asset not supported")
	ErrStaleData            = errors.New("stale price data")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInsufficientHistory  = errors.New("insufficient price history")
	ErrNotLiquidatable      = errors.New("position not liquidatable")
	ErrAlreadyHealthy       = errors.New("position already healthy")
	ErrArithmeticFloor      = errors.New("arithmetic floor reached")
	ErrBackendUnavailable   = errors.New("lending backend unavailable")
	ErrAlreadyInitialized   = errors.New("already initialized")
	ErrNotInitialized       = errors.New("not initialized")
	ErrStopLossDisabled     = errors.New("stop-loss not enabled")
	ErrPositionLiquidatable = errors.New("position below liquidation threshold")
	ErrNotFound             = errors.New("not found")
	ErrVersionConflict      = errors.New("version conflict")
	ErrPolicyViolation      = errors.New("borrow limit exceeded")

	// ErrOverflow is the arithmetic overflow reported by package fixed.
	ErrOverflow = fixed.ErrOverflow
	// ErrDivisionByZero is reported by package fixed.
	ErrDivisionByZero = fixed.ErrDivisionByZero
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrAssetNotSupported, "asset_not_supported"},
	{ErrStaleData, "stale_data"},
	{ErrInvalidInput, "invalid_input"},
	{ErrInsufficientHistory, "insufficient_history"},
	{ErrNotLiquidatable, "not_liquidatable"},
	{ErrAlreadyHealthy, "already_healthy"},
	{ErrArithmeticFloor, "arithmetic_floor"},
	{ErrBackendUnavailable, "backend_unavailable"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrNotInitialized, "not_initialized"},
	{ErrStopLossDisabled, "stop_loss_disabled"},
	{ErrPositionLiquidatable, "position_liquidatable"},
	{ErrNotFound, "not_found"},
	{ErrVersionConflict, "version_conflict"},
	{ErrPolicyViolation, "policy_violation"},
	{ErrOverflow, "overflow"},
	{ErrDivisionByZero, "division_by_zero"},
	{fixed.ErrSyntax, "invalid_input"},
}

// Code returns a stable identifier for err, or "internal" if it matches none
// of the known categories.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
