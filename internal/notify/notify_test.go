package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOutAndDrop(t *testing.T) {
	b := NewBus()
	fast := b.Subscribe(4)
	slow := b.Subscribe(1)

	b.Publish(Event{Kind: TradeOpened, Message: "one"})
	b.Publish(Event{Kind: TradeClosed, Message: "two"})

	assert.Equal(t, "one", (<-fast).Message)
	assert.Equal(t, "two", (<-fast).Message)
	e := <-slow
	assert.Equal(t, "one", e.Message)
	assert.False(t, e.At.IsZero())
	assert.Len(t, slow, 0, "second event dropped for the full subscriber")

	b.Close()
	_, ok := <-fast
	assert.False(t, ok)
	b.Publish(Event{Kind: TradeOpened}) // no panic after close
}

func TestEvent_Alert(t *testing.T) {
	assert.True(t, Event{Kind: LaneDegraded}.Alert())
	assert.True(t, Event{Kind: ParamsReset}.Alert())
	assert.False(t, Event{Kind: TradeScaled}.Alert())
}

type recordingSink struct{ got []Event }

func (r *recordingSink) Handle(_ context.Context, e Event) error {
	r.got = append(r.got, e)
	return nil
}

func TestForward(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(8)
	b.Publish(Event{Kind: TradeOpened})
	b.Publish(Event{Kind: ParamsChanged})
	b.Close()

	sink := &recordingSink{}
	Forward(context.Background(), ch, sink, nil)
	require.Len(t, sink.got, 2)
	assert.Equal(t, ParamsChanged, sink.got[1].Kind)
}

func TestTelegramSink(t *testing.T) {
	var payload map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSink("tok", "42", false)
	s.BaseURL = srv.URL

	err := s.Handle(context.Background(), Event{Kind: LaneDegraded, Lane: "acct-1", Message: "gateway unreachable"})
	require.NoError(t, err)
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", payload["chat_id"])
	assert.True(t, strings.HasPrefix(payload["text"], "🚨 *LANE DEGRADED* `acct-1`"))
	assert.Contains(t, payload["text"], "gateway unreachable")
}

func TestTelegramSink_SkipsWithoutCredentialsOrNonAlerts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	s := NewTelegramSink("", "", false)
	s.BaseURL = srv.URL
	require.NoError(t, s.Handle(context.Background(), Event{Kind: LaneDegraded}))

	s = NewTelegramSink("tok", "42", true)
	s.BaseURL = srv.URL
	require.NoError(t, s.Handle(context.Background(), Event{Kind: TradeOpened}))
	assert.Zero(t, calls)
}
