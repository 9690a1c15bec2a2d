package event_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/event"
)

type ping struct {
	TraceID string `json:"trace_id"`
}

func TestNew_FillsAttributes(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	e, err := event.New("http://localhost", "com.example.ping", ping{TraceID: "t-1"},
		event.WithID("t-1"), event.WithTime(at), event.WithSubject("ping_message"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	want := event.Event{
		SpecVersion:     event.SpecVersion,
		ID:              "t-1",
		Source:          "http://localhost",
		Type:            "com.example.ping",
		Subject:         "ping_message",
		Time:            at,
		DataContentType: event.ContentTypeJSON,
		Data:            json.RawMessage(`{"trace_id":"t-1"}`),
	}

	if diff := cmp.Diff(want, e); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestNew_GeneratesID(t *testing.T) {
	a, err := event.New("src", "t", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	b, _ := event.New("src", "t", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids must be unique and non-empty: %q %q", a.ID, b.ID)
	}
}

func TestNew_UnencodablePayloadIsSerdeError(t *testing.T) {
	_, err := event.New("src", "t", math.Inf(1))
	if !errors.Is(err, berr.ErrSerializationFailed) {
		t.Fatalf("want serde error, got %v", err)
	}
}

func TestNew_MissingAttributes(t *testing.T) {
	_, err := event.New("", "", struct{}{})
	if !errors.Is(err, berr.ErrSerializationFailed) {
		t.Fatalf("want serde error, got %v", err)
	}

	if !strings.Contains(err.Error(), "source") || !strings.Contains(err.Error(), "type") {
		t.Fatalf("error must name missing attributes: %v", err)
	}
}

func TestEncodeDecode_WireShape(t *testing.T) {
	e, err := event.New("auth-service", "evt.user.created", map[string]string{"user_id": "u1"},
		event.WithSubject("service.auth"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	b, err := event.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatalf("wire json: %v", err)
	}

	for _, k := range []string{"specversion", "id", "source", "type", "subject", "time", "datacontenttype", "data"} {
		if _, ok := wire[k]; !ok {
			t.Fatalf("wire payload misses %q: %s", k, b)
		}
	}

	got, err := event.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var payload map[string]string
	if err := got.DataAs(&payload); err != nil {
		t.Fatalf("data: %v", err)
	}

	if payload["user_id"] != "u1" || got.ID != e.ID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEncode_InvalidDataIsSerdeError(t *testing.T) {
	e := event.Event{ID: "1", Source: "s", Type: "t", Data: json.RawMessage(`{"broken"`)}

	if _, err := event.Encode(e); !errors.Is(err, berr.ErrSerializationFailed) {
		t.Fatalf("want serde error, got %v", err)
	}
}

func TestDecode_Garbage(t *testing.T) {
	if _, err := event.Decode([]byte("not json")); !errors.Is(err, berr.ErrSerializationFailed) {
		t.Fatalf("want serde error, got %v", err)
	}

	if err := (event.Event{ID: "x"}).DataAs(&struct{}{}); !errors.Is(err, berr.ErrSerializationFailed) {
		t.Fatalf("want serde error for empty data, got %v", err)
	}
}

func wire(t *testing.T, typ string, payload any) cbus.Message {
	t.Helper()

	e, err := event.New("test", typ, payload)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	b, err := event.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	return cbus.Message{Subject: "service.auth", Data: b}
}

func TestRouter_TypedDispatchAndUnknownSkip(t *testing.T) {
	r := event.NewRouter(nil)

	var got []string

	err := event.On(r, "com.example.ping", func(_ context.Context, _ event.Event, p ping) error {
		got = append(got, p.TraceID)

		return nil
	})
	if err != nil {
		t.Fatalf("on: %v", err)
	}

	if err := r.Handle(t.Context(), wire(t, "com.example.ping", ping{TraceID: "a"})); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if err := r.Handle(t.Context(), wire(t, "com.example.unknown", ping{})); err != nil {
		t.Fatalf("unknown types must be skipped, got %v", err)
	}

	if diff := cmp.Diff([]string{"a"}, got); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}

	if r.Types() != 1 {
		t.Fatalf("types=%d", r.Types())
	}
}

func TestRouter_DuplicateAndErrors(t *testing.T) {
	r := event.NewRouter(nil)
	boom := errors.New("boom")

	if err := r.HandleEvent("t", func(context.Context, event.Event) error { return boom }); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	if err := r.HandleEvent("t", func(context.Context, event.Event) error { return nil }); !errors.Is(err, berr.ErrHandlerExists) {
		t.Fatalf("want ErrHandlerExists, got %v", err)
	}

	if err := r.Handle(t.Context(), wire(t, "t", nil)); !errors.Is(err, boom) {
		t.Fatalf("handler error must propagate, got %v", err)
	}

	if err := r.Handle(t.Context(), cbus.Message{Subject: "s", Data: []byte("{")}); !errors.Is(err, berr.ErrSerializationFailed) {
		t.Fatalf("want serde error, got %v", err)
	}
}
