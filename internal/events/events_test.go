package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakeXAdd struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeXAdd) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	cmd := redis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal("1-0")
	}
	return cmd
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	e := New(KindLiquidation, "alice", at, map[string]string{"repaid": "500"})
	require.NotEmpty(t, e.ID)
	require.Equal(t, time.UTC, e.At.Location())
	require.JSONEq(t, `{"repaid":"500"}`, string(e.Data))

	other := New(KindLiquidation, "alice", at, nil)
	require.NotEqual(t, e.ID, other.ID)
	require.Nil(t, other.Data)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	err := Multi{ok, bad}.Publish(context.Background(), New(KindPriceUpdated, "XLM", time.Now(), nil))
	require.ErrorContains(t, err, "down")
	require.Equal(t, 1, ok.len())
	require.Equal(t, 1, bad.len())
}

func TestAsyncDropsWhenFull(t *testing.T) {
	next := &recorder{}
	a := NewAsync(next, 2, zerolog.Nop())
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Publish(context.Background(), New(KindPriceUpdated, "XLM", time.Now(), nil)))
	}
	require.Equal(t, uint64(3), a.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return next.len() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestAsyncDrainsOnShutdown(t *testing.T) {
	next := &recorder{}
	a := NewAsync(next, 4, zerolog.Nop())
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Publish(context.Background(), New(KindHealthChanged, "bob", time.Now(), nil)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
	require.Equal(t, 3, next.len())
}

func TestRedisStreamPublish(t *testing.T) {
	fake := &fakeXAdd{}
	s := NewRedisStream(fake, "risk-events", 0)
	e := New(KindStopLossTriggered, "carol", time.Unix(1_700_000_000, 0), map[string]int{"legs": 2})
	require.NoError(t, s.Publish(context.Background(), e))

	require.Len(t, fake.args, 1)
	a := fake.args[0]
	require.Equal(t, "risk-events", a.Stream)
	require.Equal(t, DefaultMaxLen, a.MaxLen)
	require.True(t, a.Approx)
	values := a.Values.(map[string]interface{})
	require.Equal(t, e.ID, values["id"])
	require.Equal(t, "stop_loss_triggered", values["kind"])

	var decoded Event
	require.NoError(t, json.Unmarshal(values["payload"].([]byte), &decoded))
	require.Equal(t, e.ID, decoded.ID)

	fake.err = errors.New("READONLY")
	require.ErrorContains(t, s.Publish(context.Background(), e), "xadd risk-events")
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))
	require.NoError(t, p.Publish(context.Background(), New(KindParamsUpdated, "admin", time.Now(), map[string]int{"version": 2})))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "params_updated", line["kind"])
	require.Equal(t, "events", line["component"])
	require.Equal(t, map[string]any{"version": float64(2)}, line["data"])
}
