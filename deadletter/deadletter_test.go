package deadletter_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/next-trace/scg-event-bus/deadletter"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func letter(id string) deadletter.Letter {
	return deadletter.Letter{
		Subject:   "service.auth",
		EventID:   id,
		EventType: "cmd.send.otp",
		Body:      []byte(`{"id":"` + id + `"}`),
		Attempts:  5,
		Reason:    "publish failed",
		FailedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRedisSink_PutAndList(t *testing.T) {
	mr, client := setupMiniRedis(t)
	sink := deadletter.NewRedisSink(client, "", 0)

	require.NoError(t, sink.Put(t.Context(), letter("a")))
	require.NoError(t, sink.Put(t.Context(), letter("b")))

	got, err := sink.List(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].EventID, "newest first")
	require.Equal(t, []byte(`{"id":"a"}`), got[1].Body)
	require.True(t, mr.Exists(deadletter.DefaultKey))
}

func TestRedisSink_CapsLength(t *testing.T) {
	mr, client := setupMiniRedis(t)
	sink := deadletter.NewRedisSink(client, "dl", 2)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, sink.Put(t.Context(), letter(id)))
	}

	items, err := mr.List("dl")
	require.NoError(t, err)
	require.Len(t, items, 2)

	got, err := sink.List(t.Context(), 5)
	require.NoError(t, err)
	require.Equal(t, "3", got[0].EventID)
	require.Equal(t, "2", got[1].EventID)
}

func TestRedisSink_ServerDown(t *testing.T) {
	mr, client := setupMiniRedis(t)
	mr.Close()

	err := deadletter.NewRedisSink(client, "dl", 0).Put(t.Context(), letter("x"))
	require.Error(t, err)
}

func TestLogSink_WritesErrorRecord(t *testing.T) {
	var buf bytes.Buffer

	sink := deadletter.NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, sink.Put(t.Context(), letter("x")))
	require.Contains(t, buf.String(), "level=ERROR")
	require.Contains(t, buf.String(), "event_id=x")
}

type failingSink struct{ err error }

func (f failingSink) Put(context.Context, deadletter.Letter) error { return f.err }

func TestMulti_ReportsFirstFailure(t *testing.T) {
	first := errors.New("first")
	m := deadletter.Multi{deadletter.NewLogSink(nil), failingSink{first}, failingSink{errors.New("second")}}

	require.ErrorIs(t, m.Put(t.Context(), letter("x")), first)
}
