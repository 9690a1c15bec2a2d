package errors_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodeMailboxFull)
	if e.Error() != berr.ErrCodeMailboxFull {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrConnectionFailed, berr.ErrCodeConnectionFailed},
		{berr.ErrOperationFailed, berr.ErrCodeOperationFailed},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
		{berr.ErrGeneric, berr.ErrCodeGeneric},
		{berr.ErrMailboxFull, berr.ErrCodeMailboxFull},
		{berr.ErrNotConnected, berr.ErrCodeNotConnected},
		{berr.ErrPublisherClosed, berr.ErrCodePublisherClosed},
		{berr.ErrSubscriptionClosed, berr.ErrCodeSubscriptionClosed},
		{berr.ErrRetriesExhausted, berr.ErrCodeRetriesExhausted},
		{berr.ErrUnknownEventType, berr.ErrCodeUnknownEventType},
		{berr.ErrInvalidConfig, berr.ErrCodeInvalidConfig},
		{berr.ErrHandlerExists, berr.ErrCodeHandlerExists},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestTypedErrors_IsAndUnwrap(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"connection", &berr.ConnectionError{Addresses: "a:1,b:2", Cause: cause}, berr.ErrConnectionFailed},
		{"operation", &berr.OperationError{Subject: "s", Cause: cause}, berr.ErrOperationFailed},
		{"serde", &berr.SerdeError{Cause: cause}, berr.ErrSerializationFailed},
		{"generic", &berr.GenericError{Cause: cause}, berr.ErrGeneric},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.err, tc.kind) {
				t.Fatalf("%v is not %v", tc.err, tc.kind)
			}

			if !errors.Is(tc.err, cause) {
				t.Fatalf("%v does not unwrap to cause", tc.err)
			}

			if !strings.Contains(tc.err.Error(), "boom") {
				t.Fatalf("message misses cause: %s", tc.err.Error())
			}
		})
	}
}

func TestConnectionError_CarriesAddresses(t *testing.T) {
	err := error(&berr.ConnectionError{Addresses: "nats://a:4222,nats://b:4222", Cause: context.DeadlineExceeded})

	var ce *berr.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError")
	}

	if ce.Addresses != "nats://a:4222,nats://b:4222" {
		t.Fatalf("addresses=%q", ce.Addresses)
	}

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause")
	}

	if errors.Is(err, berr.ErrOperationFailed) {
		t.Fatalf("connection error must not match operation kind")
	}
}

func TestOperationError_MessageWithoutSubject(t *testing.T) {
	err := &berr.OperationError{Cause: errors.New("rejected")}
	if got := err.Error(); got != "bus operation failed: rejected" {
		t.Fatalf("unexpected message %q", got)
	}
}
