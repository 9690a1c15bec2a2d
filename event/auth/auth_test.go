package auth_test

import (
	"context"
	"testing"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/event"
	"github.com/next-trace/scg-event-bus/event/auth"
)

func TestNewSendOtp_RoutesToTypedHandler(t *testing.T) {
	e, err := auth.NewSendOtp(auth.Meta{TraceID: "trace-1", Source: "auth-service"}, auth.SendOtpMessage{
		From: "no-reply@example.com",
		To:   "jane@example.com",
		Sub:  "Your code",
		Body: "123456",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if e.ID != "trace-1" || e.Subject != auth.Subject || e.Type != auth.TypeSendOtp {
		t.Fatalf("unexpected attributes: %+v", e)
	}

	b, err := event.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	r := event.NewRouter(nil)

	var got auth.SendOtpMessage

	if err := event.On(r, auth.TypeSendOtp, func(_ context.Context, _ event.Event, m auth.SendOtpMessage) error {
		got = m

		return nil
	}); err != nil {
		t.Fatalf("on: %v", err)
	}

	if err := r.Handle(t.Context(), cbus.Message{Subject: auth.Subject, Data: b}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got.To != "jane@example.com" || got.Body != "123456" {
		t.Fatalf("payload mismatch: %+v", got)
	}
}

func TestNewUserCreated_GeneratesIDWithoutTrace(t *testing.T) {
	e, err := auth.NewUserCreated(auth.Meta{Source: "user-service"}, auth.UserCreatedMessage{UserID: "u1", Email: "a@b.c"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if e.ID == "" || e.Type != auth.TypeUserCreated {
		t.Fatalf("unexpected attributes: %+v", e)
	}
}

func TestNewPing(t *testing.T) {
	e, err := auth.NewPing("http://localhost", "p-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var p auth.PingMessage
	if err := e.DataAs(&p); err != nil || p.TraceID != "p-1" || e.ID != "p-1" {
		t.Fatalf("ping mismatch: %+v %+v %v", e, p, err)
	}
}
