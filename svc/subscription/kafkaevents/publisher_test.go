package kafkaevents_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fitfusion/billing/pkg/logger"
	"github.com/fitfusion/billing/svc/subscription"
	"github.com/fitfusion/billing/svc/subscription/kafkaevents"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
	flushed int
}

func (f *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	f.records = append(f.records, r)
	err := f.err
	f.mu.Unlock()
	if promise != nil {
		promise(r, err)
	}
}

func (f *fakeProducer) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

func transition() subscription.TransitionEvent {
	return subscription.TransitionEvent{
		SubscriptionID: uuid.New(),
		SubscriberID:   uuid.New(),
		PlanID:         "premium",
		From:           subscription.StatusActive,
		To:             subscription.StatusPaymentFailed,
		Trigger:        subscription.TriggerPaymentFailed,
		Cause:          "evt_123",
		At:             time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)),
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()
	ev := transition()

	rec, err := kafkaevents.Encode("billing.transitions", ev)
	require.NoError(t, err)
	assert.Equal(t, "billing.transitions", rec.Topic)
	assert.Equal(t, ev.SubscriptionID.String(), string(rec.Key))
	require.Len(t, rec.Headers, 1)
	assert.Equal(t, "event-type", rec.Headers[0].Key)
	assert.Equal(t, kafkaevents.EventType, string(rec.Headers[0].Value))

	var msg kafkaevents.Message
	require.NoError(t, json.Unmarshal(rec.Value, &msg))
	assert.Equal(t, ev.SubscriberID.String(), msg.SubscriberID)
	assert.Equal(t, "premium", msg.PlanID)
	assert.Equal(t, "active", msg.From)
	assert.Equal(t, "payment_failed", msg.To)
	assert.Equal(t, string(subscription.TriggerPaymentFailed), msg.Trigger)
	assert.Equal(t, "evt_123", msg.Cause)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), msg.At)
	assert.Contains(t, string(rec.Value), `"at":"2026-03-01T11:00:00Z"`)
}

func TestEncode_CreatedRowOmitsFrom(t *testing.T) {
	t.Parallel()
	ev := transition()
	ev.From = ""
	rec, err := kafkaevents.Encode("t", ev)
	require.NoError(t, err)
	assert.NotContains(t, string(rec.Value), `"from"`)
}

func TestPublisher(t *testing.T) {
	t.Parallel()
	fake := &fakeProducer{}
	pub := kafkaevents.NewPublisher(fake, "billing.transitions", logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub.OnTransition(ctx, transition())
	pub.OnTransition(ctx, transition())

	require.Len(t, fake.records, 2)
	assert.NotEqual(t, fake.records[0].Key, fake.records[1].Key)
	require.NoError(t, pub.Flush(context.Background()))
	assert.Equal(t, 1, fake.flushed)
}

func TestPublisher_DeliveryFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	fake := &fakeProducer{err: errors.New("broker unreachable")}
	pub := kafkaevents.NewPublisher(fake, "t", logger.Discard())

	assert.NotPanics(t, func() { pub.OnTransition(context.Background(), transition()) })
	assert.Len(t, fake.records, 1)
}

func TestPublisher_IsObserver(t *testing.T) {
	t.Parallel()
	var _ subscription.Observer = kafkaevents.NewPublisher(&fakeProducer{}, "t", nil)
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	_, err := kafkaevents.NewClient(kafkaevents.Config{}, nil)
	assert.ErrorIs(t, err, kafkaevents.ErrNoBrokers)

	_, err = kafkaevents.NewClient(kafkaevents.Config{Brokers: []string{"localhost:9092"}, ScramAlgorithm: "PLAIN"}, nil)
	assert.ErrorIs(t, err, kafkaevents.ErrUnknownScramAlgorithm)
}

func TestNewClient(t *testing.T) {
	t.Parallel()
	// kgo connects lazily, so no broker is needed to build a client.
	client, err := kafkaevents.NewClient(kafkaevents.Config{
		Brokers:        []string{"localhost:9092"},
		Topic:          "t",
		ScramAlgorithm: kafkaevents.Scram512,
		UserName:       "u",
		Password:       "p",
	}, logger.Discard())
	require.NoError(t, err)
	client.Close()
}
