// Package execution coordinates balance, orders, positions, and exits.
package execution

import (
	"errors"
	"fmt"
)

// ErrorType classifies execution failures for the engine and dashboards.
type ErrorType string

const (
	ErrorNone                ErrorType = ""
	ErrorPriceTooHigh        ErrorType = "price_too_high"
	ErrorInsufficientBalance ErrorType = "insufficient_balance"
	ErrorValidation          ErrorType = "validation_error"
	ErrorExecution           ErrorType = "execution_error"
	ErrorFillTimeout         ErrorType = "fill_timeout"
	ErrorExit                ErrorType = "exit_error"
)

// PreSubmitError means validation failed before any order reached the
// exchange: no order exists, reservations are rolled back, and the engine
// may remove the trigger claim so the token can retry.
//
// Any other error after submission is ambiguous: an order may be live, so
// the trigger claim must be kept.
type PreSubmitError struct {
	Type   ErrorType
	Reason string
}

func (e *PreSubmitError) Error() string {
	return fmt.Sprintf("pre-submit validation: %s (%s)", e.Reason, e.Type)
}

// IsPreSubmit reports whether err is a pre-submit validation failure.
func IsPreSubmit(err error) bool {
	var p *PreSubmitError
	return errors.As(err, &p)
}

// Result is the typed outcome of an execution attempt.
type Result struct {
	Success    bool
	OrderID    string
	PositionID int64
	ErrorType  ErrorType
	Err        error
}

func successResult(orderID string, positionID int64) Result {
	return Result{Success: true, OrderID: orderID, PositionID: positionID}
}

func failureResult(t ErrorType, err error) Result {
	return Result{ErrorType: t, Err: err}
}
