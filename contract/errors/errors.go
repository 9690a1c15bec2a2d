package errors

import (
	"fmt"
	"strings"
)

// Error codes for the event bus contracts. Keep stable; used across adapters, workers and logs.
const (
	ErrCodeConnectionFailed    = "eventbus.connection_failed"
	ErrCodeOperationFailed     = "eventbus.operation_failed"
	ErrCodeSerializationFailed = "eventbus.serialization_failed"
	ErrCodeGeneric             = "eventbus.generic"
	ErrCodeMailboxFull         = "eventbus.mailbox_full"
	ErrCodeNotConnected        = "eventbus.not_connected"
	ErrCodePublisherClosed     = "eventbus.publisher_closed"
	ErrCodeSubscriptionClosed  = "eventbus.subscription_closed"
	ErrCodeRetriesExhausted    = "eventbus.retries_exhausted"
	ErrCodeUnknownEventType    = "eventbus.unknown_event_type"
	ErrCodeInvalidConfig       = "eventbus.invalid_config"
	ErrCodeHandlerExists       = "eventbus.handler_exists"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrConnectionFailed    = Code(ErrCodeConnectionFailed)
	ErrOperationFailed     = Code(ErrCodeOperationFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrGeneric             = Code(ErrCodeGeneric)
	ErrMailboxFull         = Code(ErrCodeMailboxFull)
	ErrNotConnected        = Code(ErrCodeNotConnected)
	ErrPublisherClosed     = Code(ErrCodePublisherClosed)
	ErrSubscriptionClosed  = Code(ErrCodeSubscriptionClosed)
	ErrRetriesExhausted    = Code(ErrCodeRetriesExhausted)
	ErrUnknownEventType    = Code(ErrCodeUnknownEventType)
	ErrInvalidConfig       = Code(ErrCodeInvalidConfig)
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
)

// ConnectionError reports that the bus could not be reached at Addresses.
type ConnectionError struct {
	Addresses string
	Cause     error
}

func (e *ConnectionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("bus server connection failed: %s", e.Addresses)
	}

	return fmt.Sprintf("bus server connection failed: %s: %v", e.Addresses, e.Cause)
}

func (e *ConnectionError) Is(target error) bool { return target == ErrConnectionFailed }

func (e *ConnectionError) Unwrap() error { return e.Cause }

// OperationError reports a non-connection bus failure, e.g. a rejected subscribe.
type OperationError struct {
	Subject string
	Cause   error
}

func (e *OperationError) Error() string {
	var b strings.Builder

	b.WriteString("bus operation failed")

	if e.Subject != "" {
		fmt.Fprintf(&b, " on subject [%s]", e.Subject)
	}

	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}

	return b.String()
}

func (e *OperationError) Is(target error) bool { return target == ErrOperationFailed }

func (e *OperationError) Unwrap() error { return e.Cause }

// SerdeError reports a payload encode/decode failure.
type SerdeError struct {
	Cause error
}

func (e *SerdeError) Error() string {
	return fmt.Sprintf("failed while ser-de bus message: %v", e.Cause)
}

func (e *SerdeError) Is(target error) bool { return target == ErrSerializationFailed }

func (e *SerdeError) Unwrap() error { return e.Cause }

// GenericError is the catch-all kind.
type GenericError struct {
	Cause error
}

func (e *GenericError) Error() string { return fmt.Sprintf("error: %v", e.Cause) }

func (e *GenericError) Is(target error) bool { return target == ErrGeneric }

func (e *GenericError) Unwrap() error { return e.Cause }
