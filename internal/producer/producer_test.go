package producer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpmentor/notification-service/internal/broker"
	"github.com/cpmentor/notification-service/internal/notifications"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capture binds a queue to exchange/key and collects what arrives on it.
func capture(t *testing.T, mem *broker.InMemoryBroker, exchange, key string) func() []broker.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := mem.NewClient(broker.FailureDrop, discardLogger())
	require.NoError(t, c.DeclareExchange(ctx, exchange, broker.KindTopic, true))
	require.NoError(t, c.DeclareQueue(ctx, "capture", true))
	require.NoError(t, c.Bind(ctx, "capture", exchange, key))

	var mu sync.Mutex
	var got []broker.Message
	require.NoError(t, c.Consume("capture", func(_ context.Context, msg broker.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		return nil
	}))
	go c.StartConsuming(ctx) //nolint:errcheck

	return func() []broker.Message {
		mu.Lock()
		defer mu.Unlock()
		return append([]broker.Message(nil), got...)
	}
}

func TestTaskEventsPublishBatchCreated(t *testing.T) {
	mem := broker.NewInMemoryBroker()
	received := capture(t, mem, notifications.ExchangeTaskEvents, "task.#")
	p := NewTaskEvents(mem.NewClient(broker.FailureDrop, discardLogger()), discardLogger())

	tasks := []notifications.TaskStub{
		{TaskID: "1", UserID: "A", Title: "Segment tree"},
		{TaskID: "2", UserID: "B", Title: "DSU", DueDate: "2024-05-01"},
	}
	require.NoError(t, p.PublishBatchCreated(context.Background(), tasks))

	require.Eventually(t, func() bool { return len(received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := received()[0]
	assert.Equal(t, notifications.RoutingKeyTaskBatchCreated, msg.RoutingKey)
	assert.Equal(t, notifications.TypeTasksBatchCreated, msg.Type)
	assert.Equal(t, broker.ContentTypeJSON, msg.ContentType)

	ev, err := notifications.DecodeEvent(msg)
	require.NoError(t, err)
	batch, ok := ev.(notifications.TasksBatchCreated)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, tasks, batch.Tasks)
}

func TestTaskEventsPublishTaskCreated(t *testing.T) {
	mem := broker.NewInMemoryBroker()
	received := capture(t, mem, notifications.ExchangeTaskEvents, notifications.RoutingKeyTaskCreated)
	p := NewTaskEvents(mem.NewClient(broker.FailureDrop, discardLogger()), discardLogger())

	task := notifications.TaskStub{TaskID: "7", UserID: "u1", Title: "Greedy"}
	require.NoError(t, p.PublishTaskCreated(context.Background(), task))

	require.Eventually(t, func() bool { return len(received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	ev, err := notifications.DecodeEvent(received()[0])
	require.NoError(t, err)
	assert.Equal(t, notifications.TaskCreated{Task: task}, ev)
}

func TestTaskEventsEmptyBatchIsNoop(t *testing.T) {
	mem := broker.NewInMemoryBroker()
	p := NewTaskEvents(mem.NewClient(broker.FailureDrop, discardLogger()), discardLogger())
	require.NoError(t, p.PublishBatchCreated(context.Background(), nil))
	assert.Equal(t, 0, mem.Stats().Published)
}

func TestContestEventsEnvelope(t *testing.T) {
	mem := broker.NewInMemoryBroker()
	received := capture(t, mem, notifications.ExchangeCodeforces, notifications.RoutingKeyContestUpcoming)
	p := NewContestEvents(mem.NewClient(broker.FailureDrop, discardLogger()), discardLogger())
	p.now = func() time.Time { return time.Date(2023, 11, 10, 10, 0, 0, 0, time.UTC) }

	c := UpcomingContest{ID: 1900, Name: "Codeforces Round 900", StartTime: time.Unix(1700000000, 0), DurationSeconds: 7200}
	require.NoError(t, p.PublishUpcoming(context.Background(), c))

	require.Eventually(t, func() bool { return len(received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := received()[0]
	assert.Equal(t, notifications.TypeContestNotification, msg.Type)
	assert.JSONEq(t, `{
		"type": "upcoming_contest",
		"data": {"id": 1900, "name": "Codeforces Round 900", "startTimeSeconds": 1700000000, "durationSeconds": 7200},
		"timestamp": "2023-11-10T10:00:00"
	}`, string(msg.Body))

	ev, err := notifications.DecodeEvent(msg)
	require.NoError(t, err)
	ca := ev.(notifications.ContestAnnouncement)
	assert.True(t, ca.Contest.StartTime.Equal(c.StartTime))
}

type flakyPublisher struct {
	declares  int
	failNext  bool
	published int
}

func (f *flakyPublisher) DeclareExchange(context.Context, string, string, bool) error {
	f.declares++
	return nil
}

func (f *flakyPublisher) Publish(context.Context, string, string, any, string) error {
	if f.failNext {
		f.failNext = false
		return errors.New("connection reset")
	}
	f.published++
	return nil
}

func TestExchangeDeclaredOnceAndAfterFailure(t *testing.T) {
	pub := &flakyPublisher{}
	p := NewTaskEvents(pub, discardLogger())
	ctx := context.Background()
	task := notifications.TaskStub{TaskID: "1", UserID: "u", Title: "t"}

	require.NoError(t, p.PublishTaskCreated(ctx, task))
	require.NoError(t, p.PublishTaskCreated(ctx, task))
	assert.Equal(t, 1, pub.declares)

	pub.failNext = true
	require.Error(t, p.PublishTaskCreated(ctx, task))
	require.NoError(t, p.PublishTaskCreated(ctx, task))
	assert.Equal(t, 2, pub.declares)
	assert.Equal(t, 3, pub.published)
}
