// Package auth holds the events and commands published by the auth service.
package auth

import (
	"github.com/next-trace/scg-event-bus/event"
)

// Subject is the bus subject all auth service events are published on.
const Subject = "service.auth"

// Event types.
const (
	TypeSendOtp     = "cmd.send.otp"
	TypeUserCreated = "evt.user.created"
	TypePing        = "com.example.ping"
)

// Meta carries the envelope attributes shared by every auth event.
type Meta struct {
	TraceID string
	Source  string
}

// SendOtpMessage asks the notification service to e-mail a one time password.
type SendOtpMessage struct {
	From string `json:"from"`
	To   string `json:"to"`
	Sub  string `json:"sub"`
	Body string `json:"body"`
}

// UserCreatedMessage announces a newly registered user.
type UserCreatedMessage struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// PingMessage is a liveness probe that travels the whole pipeline.
type PingMessage struct {
	TraceID string `json:"trace_id"`
}

// NewSendOtp builds the envelope for a SendOtp command.
func NewSendOtp(meta Meta, msg SendOtpMessage) (event.Event, error) {
	return newEvent(meta, TypeSendOtp, msg)
}

// NewUserCreated builds the envelope for a UserCreated event.
func NewUserCreated(meta Meta, msg UserCreatedMessage) (event.Event, error) {
	return newEvent(meta, TypeUserCreated, msg)
}

// NewPing builds a ping envelope; the trace id doubles as event id.
func NewPing(source, traceID string) (event.Event, error) {
	return event.New(source, TypePing, PingMessage{TraceID: traceID},
		event.WithID(traceID), event.WithSubject("ping_message"))
}

func newEvent(meta Meta, typ string, payload any) (event.Event, error) {
	return event.New(meta.Source, typ, payload, event.WithID(meta.TraceID), event.WithSubject(Subject))
}
