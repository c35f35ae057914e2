package activities

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/dlncollector/backfill/internal/metrics"
	"github.com/dlncollector/backfill/internal/model"
	"github.com/dlncollector/backfill/internal/store"
)

func newTestActivities() *Activities {
	return New(nil, nil, nil, store.NewMemory(), metrics.New())
}

func TestInitializeDatabaseNoOpOnMemoryStore(t *testing.T) {
	a := newTestActivities()
	require.NoError(t, a.InitializeDatabase(context.Background()))
}

func TestGetProgressReturnsZeroValueBeforeAnyCheckpoint(t *testing.T) {
	a := newTestActivities()
	got, err := a.GetProgress(context.Background(), "program1", model.EventCreated)
	require.NoError(t, err)
	require.Equal(t, ProgressResult{}, got)
}

func TestStoreEventsUpdatesCheckpointAndReturnsTotalCollected(t *testing.T) {
	a := newTestActivities()
	ctx := context.Background()

	events := []*model.OrderEvent{
		{
			EventType:     model.EventCreated,
			Signature:     "sig1",
			BlockTime:     time.Now(),
			GiveAmount:    uint256.NewInt(100),
			GiveAmountUSD: 1,
		},
	}

	res, err := a.StoreEvents(ctx, StoreEventsInput{
		Events:        events,
		ProgramID:     "program1",
		EventType:     model.EventCreated,
		LastSignature: "sig1",
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.InsertedCount)
	require.Equal(t, 0, res.DuplicateCount)
	require.EqualValues(t, 1, res.TotalCollected)

	progress, err := a.GetProgress(ctx, "program1", model.EventCreated)
	require.NoError(t, err)
	require.Equal(t, "sig1", progress.LastSignature)
	require.EqualValues(t, 1, progress.TotalCollected)
}

func TestStoreEventsIsIdempotentAcrossRetries(t *testing.T) {
	a := newTestActivities()
	ctx := context.Background()

	events := []*model.OrderEvent{
		{EventType: model.EventCreated, Signature: "sig1", BlockTime: time.Now(), GiveAmount: uint256.NewInt(1)},
	}
	in := StoreEventsInput{Events: events, ProgramID: "program1", EventType: model.EventCreated, LastSignature: "sig1"}

	first, err := a.StoreEvents(ctx, in)
	require.NoError(t, err)
	require.Equal(t, 1, first.InsertedCount)

	second, err := a.StoreEvents(ctx, in)
	require.NoError(t, err)
	require.Equal(t, 0, second.InsertedCount)
	require.Equal(t, 1, second.DuplicateCount)
}

func TestGetOrderCountsSumsBothEventTypes(t *testing.T) {
	a := newTestActivities()
	ctx := context.Background()

	_, err := a.StoreEvents(ctx, StoreEventsInput{
		Events:    []*model.OrderEvent{{EventType: model.EventCreated, Signature: "sig1", BlockTime: time.Now()}},
		ProgramID: "src", EventType: model.EventCreated, LastSignature: "sig1",
	})
	require.NoError(t, err)
	_, err = a.StoreEvents(ctx, StoreEventsInput{
		Events:    []*model.OrderEvent{{EventType: model.EventFulfilled, Signature: "sig2", BlockTime: time.Now()}},
		ProgramID: "dst", EventType: model.EventFulfilled, LastSignature: "sig2",
	})
	require.NoError(t, err)

	counts, err := a.GetOrderCounts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Created)
	require.EqualValues(t, 1, counts.Fulfilled)
	require.EqualValues(t, 2, counts.Total)
}

func TestClassifyWrapsNonRetryableErrors(t *testing.T) {
	err := classify("op", assertMalformedError{})
	require.Error(t, err)
}

type assertMalformedError struct{}

func (assertMalformedError) Error() string { return "malformed request" }
