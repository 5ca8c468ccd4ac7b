package chat

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/phiwazulumoh/cop/pkg/api"
	"github.com/phiwazulumoh/cop/pkg/otelhelper"
)

// DefaultHistoryLimit bounds the initial page fetched when a room opens.
const DefaultHistoryLimit = 50

var meter = otel.Meter("cop-chat")

// HistoryAPI is the slice of the REST client the fetcher needs.
type HistoryAPI interface {
	GetMessages(ctx context.Context, roomID string, limit int) ([]api.ChatMessage, error)
}

// HistoryFetcher loads a bounded page of persisted messages for a room and
// feeds it to the Reconciler. Read-only against the backend, so refetching
// the same room is always safe.
type HistoryFetcher struct {
	client     HistoryAPI
	reconciler *Reconciler
	limit      int

	fetchDuration metric.Float64Histogram
	fetchedTotal  metric.Int64Counter
}

// NewHistoryFetcher creates a fetcher with the given page bound. A limit of
// zero or less uses DefaultHistoryLimit.
func NewHistoryFetcher(client HistoryAPI, reconciler *Reconciler, limit int) *HistoryFetcher {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	fetchDuration, _ := otelhelper.NewDurationHistogram(meter,
		"chat.history.fetch.duration", "Duration of room history page fetches")
	fetchedTotal, _ := meter.Int64Counter("chat.history.messages.fetched",
		metric.WithDescription("Messages returned by history page fetches"))

	return &HistoryFetcher{
		client:        client,
		reconciler:    reconciler,
		limit:         limit,
		fetchDuration: fetchDuration,
		fetchedTotal:  fetchedTotal,
	}
}

// Fetch loads one history page for the room and merges it into the
// reconciled view. Returns the number of messages newly added. Errors keep
// their api kind so callers can tell an auth failure from a retryable one.
func (f *HistoryFetcher) Fetch(ctx context.Context, roomID string) (int, error) {
	start := time.Now()
	messages, err := f.client.GetMessages(ctx, roomID, f.limit)
	f.fetchDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Bool("error", err != nil)))
	if err != nil {
		return 0, err
	}

	f.fetchedTotal.Add(ctx, int64(len(messages)))
	return f.reconciler.IngestHistoryPage(roomID, messages), nil
}
