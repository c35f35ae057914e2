package pushfanout

import (
	"bufio"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dlncollector/backfill/internal/model"
	"github.com/dlncollector/backfill/internal/store"
)

func TestServeHTTPSendsConnectedEventFirst(t *testing.T) {
	s := store.NewMemory()
	b := NewBroadcaster(Config{BroadcastPeriod: 10 * time.Millisecond, HeartbeatPeriod: time.Hour}, s, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest("GET", "/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	b.ServeHTTP(rec, req)

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: connected\n"), "expected stream to start with a connected event, got: %s", body)
}

func TestServeHTTPStreamsUpdateSnapshots(t *testing.T) {
	s := store.NewMemory()
	_, _, err := s.Insert(context.Background(), []*model.OrderEvent{
		{EventType: model.EventCreated, Signature: "sig1", BlockTime: time.Now()},
	})
	require.NoError(t, err)

	b := NewBroadcaster(Config{BroadcastPeriod: 10 * time.Millisecond, HeartbeatPeriod: time.Hour}, s, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest("GET", "/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	b.ServeHTTP(rec, req)

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	sawUpdate := false
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event: update") {
			sawUpdate = true
			break
		}
	}
	require.True(t, sawUpdate, "expected at least one update event in: %s", rec.Body.String())
}

func TestClientCountTracksSubscribeAndUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := store.NewMemory()
	b := NewBroadcaster(Config{}, s, nil, nil, nil)

	ch := make(chan Snapshot, 1)
	unsubscribe := b.subscribe(ch)
	require.Equal(t, 1, b.clientCount)

	unsubscribe()
	require.Equal(t, 0, b.clientCount)
}
