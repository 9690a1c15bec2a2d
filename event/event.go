// Package event defines the CloudEvents-shaped envelope carried over the bus.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

const (
	// SpecVersion is the CloudEvents specification version written on every envelope.
	SpecVersion = "1.0"
	// ContentTypeJSON is the only data content type produced by New.
	ContentTypeJSON = "application/json"
)

// Event is the wire envelope. Data holds the JSON encoded domain payload.
type Event struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Subject         string          `json:"subject,omitempty"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// Option customizes an Event built by New.
type Option func(*Event)

// WithID overrides the generated id, e.g. to carry an upstream trace id.
func WithID(id string) Option {
	return func(e *Event) {
		if id != "" {
			e.ID = id
		}
	}
}

// WithTime overrides the event time.
func WithTime(t time.Time) Option {
	return func(e *Event) { e.Time = t }
}

// WithSubject sets the CloudEvents subject attribute.
func WithSubject(s string) Option {
	return func(e *Event) { e.Subject = s }
}

// New builds an envelope around payload. A payload that cannot be encoded yields a SerdeError.
func New(source, typ string, payload any, opts ...Option) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, &berr.SerdeError{Cause: fmt.Errorf("encode %s payload: %w", typ, err)}
	}

	e := Event{
		SpecVersion:     SpecVersion,
		ID:              uuid.NewString(),
		Source:          source,
		Type:            typ,
		Time:            time.Now().UTC(),
		DataContentType: ContentTypeJSON,
		Data:            data,
	}

	for _, opt := range opts {
		opt(&e)
	}

	if err := e.Validate(); err != nil {
		return Event{}, err
	}

	return e, nil
}

// Validate checks the required CloudEvents attributes.
func (e Event) Validate() error {
	var missing []error

	if e.ID == "" {
		missing = append(missing, errors.New("id is required"))
	}

	if e.Source == "" {
		missing = append(missing, errors.New("source is required"))
	}

	if e.Type == "" {
		missing = append(missing, errors.New("type is required"))
	}

	if len(missing) == 0 {
		return nil
	}

	return &berr.SerdeError{Cause: errors.Join(missing...)}
}

// DataAs decodes the payload into v.
func (e Event) DataAs(v any) error {
	if len(e.Data) == 0 {
		return &berr.SerdeError{Cause: fmt.Errorf("event %s has no data", e.ID)}
	}

	if err := json.Unmarshal(e.Data, v); err != nil {
		return &berr.SerdeError{Cause: fmt.Errorf("decode %s data: %w", e.Type, err)}
	}

	return nil
}

// Encode serializes e to its wire form.
func Encode(e Event) ([]byte, error) {
	if e.SpecVersion == "" {
		e.SpecVersion = SpecVersion
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, &berr.SerdeError{Cause: fmt.Errorf("encode event %s: %w", e.ID, err)}
	}

	return b, nil
}

// Decode parses the wire form and validates the required attributes.
func Decode(b []byte) (Event, error) {
	var e Event

	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&e); err != nil {
		return Event{}, &berr.SerdeError{Cause: fmt.Errorf("decode event: %w", err)}
	}

	if err := e.Validate(); err != nil {
		return Event{}, err
	}

	return e, nil
}
