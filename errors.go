// errors.go: structured error definitions for the capcalc system
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	stderrors "errors"
	"fmt"

	"github.com/agilira/go-errors"
)

// Error codes for the capcalc system
const (
	// Configuration errors (1700-1799)
	ErrCodeConfigNotFound        = "CONFIG_1701"
	ErrCodeConfigParseError      = "CONFIG_1702"
	ErrCodeConfigValidationError = "CONFIG_1703"
	ErrCodeConfigWatcherError    = "CONFIG_1704"

	// RPC and communication errors (2000-2099)
	ErrCodeSubstrateFailure = "RPC_2001"
	ErrCodeHandshakeError   = "RPC_2002"
	ErrCodeSessionClosed    = "RPC_2003"
	ErrCodeProtocolError    = "RPC_2004"
	ErrCodeHandlerPanic     = "RPC_2005"

	// Evaluation errors (3000-3099)
	ErrCodeArityMismatch       = "CALC_3001"
	ErrCodeBadParameterIndex   = "CALC_3002"
	ErrCodeMalformedExpression = "CALC_3003"
	ErrCodeUnknownOperator     = "CALC_3004"
	ErrCodeRecursionLimit      = "CALC_3005"
	ErrCodePromiseBroken       = "CALC_3006"
)

// Evaluation error constructors

func NewArityMismatchError(expected, actual int) *errors.Error {
	return errors.New(ErrCodeArityMismatch,
		fmt.Sprintf("Expected %d parameters but got %d", expected, actual)).
		WithUserMessage("Function invoked with the wrong number of parameters").
		WithContext("expected", expected).
		WithContext("actual", actual).
		WithSeverity("error")
}

func NewBadParameterIndexError(index uint32, available int) *errors.Error {
	return errors.New(ErrCodeBadParameterIndex, fmt.Sprintf("bad parameter: %d", index)).
		WithUserMessage("Parameter reference is out of range or no parameters are in scope").
		WithContext("index", index).
		WithContext("available", available).
		WithSeverity("error")
}

func NewMalformedExpressionError(reason string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeMalformedExpression, "Malformed expression: "+reason).
			WithUserMessage("Expression does not decode into a recognized variant").
			WithContext("reason", reason).
			WithSeverity("error")
	}
	return errors.New(ErrCodeMalformedExpression, "Malformed expression: "+reason).
		WithUserMessage("Expression does not decode into a recognized variant").
		WithContext("reason", reason).
		WithSeverity("error")
}

func NewUnknownOperatorError(op Operator) *errors.Error {
	return errors.New(ErrCodeUnknownOperator, "Unknown operator").
		WithUserMessage("The requested operator is not supported").
		WithContext("operator", int(op)).
		WithSeverity("error")
}

func NewRecursionLimitError(depth, limit int) *errors.Error {
	return errors.New(ErrCodeRecursionLimit, "Call depth limit exceeded").
		WithUserMessage("Function calls nest deeper than the server allows").
		WithContext("depth", depth).
		WithContext("limit", limit).
		WithSeverity("error")
}

func NewPromiseBrokenError(cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodePromiseBroken, "Promise resolution failed").
			WithUserMessage("A deferred capability could not be resolved").
			WithSeverity("error")
	}
	return errors.New(ErrCodePromiseBroken, "Promise resolution failed").
		WithUserMessage("A deferred capability could not be resolved").
		WithSeverity("error")
}

// RPC error constructors

func NewSubstrateFailureError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeSubstrateFailure, message).
			WithUserMessage("Remote capability invocation failed").
			WithSeverity("error")
	}
	return errors.New(ErrCodeSubstrateFailure, message).
		WithUserMessage("Remote capability invocation failed").
		WithSeverity("error")
}

func NewHandshakeError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeHandshakeError, message).
			WithUserMessage("Session handshake failed").
			WithSeverity("error")
	}
	return errors.New(ErrCodeHandshakeError, message).
		WithUserMessage("Session handshake failed").
		WithSeverity("error")
}

func NewSessionClosedError(cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeSessionClosed, "Session closed").
			WithUserMessage("The capability session is no longer connected").
			WithSeverity("warning")
	}
	return errors.New(ErrCodeSessionClosed, "Session closed").
		WithUserMessage("The capability session is no longer connected").
		WithSeverity("warning")
}

func NewProtocolError(message string) *errors.Error {
	return errors.New(ErrCodeProtocolError, message).
		WithUserMessage("Peer sent a message that violates the capability protocol").
		WithSeverity("error")
}

func NewHandlerPanicError(method, recovered string) *errors.Error {
	return errors.New(ErrCodeHandlerPanic, "Call handler panicked").
		WithUserMessage("The remote side failed while handling the call").
		WithContext("method", method).
		WithContext("panic", recovered).
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigNotFoundError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The specified configuration file could not be read").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigValidationError, message).
			WithUserMessage("Configuration validation failed").
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigValidationError, message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigWatcherError, message).
			WithUserMessage("Configuration watcher error").
			WithSeverity("warning")
	}
	return errors.New(ErrCodeConfigWatcherError, message).
		WithUserMessage("Configuration watcher error").
		WithSeverity("warning")
}

// ErrorCodeOf returns the code of the outermost structured error in err's
// chain, or "" when err carries none.
func ErrorCodeOf(err error) errors.ErrorCode {
	var calcErr *errors.Error
	if stderrors.As(err, &calcErr) {
		return calcErr.Code
	}
	return ""
}

// IsCode reports whether any structured error in err's chain carries code.
func IsCode(err error, code errors.ErrorCode) bool {
	for err != nil {
		var calcErr *errors.Error
		if !stderrors.As(err, &calcErr) {
			return false
		}
		if calcErr.Code == code {
			return true
		}
		err = calcErr.Cause
	}
	return false
}

func asCalcError(err error, target **errors.Error) bool {
	return stderrors.As(err, target)
}
