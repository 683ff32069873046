// Package kafkaevents publishes committed subscription transitions to Kafka.
package kafkaevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"github.com/twmb/franz-go/plugin/kslog"

	"github.com/fitfusion/billing/pkg/logger"
	"github.com/fitfusion/billing/svc/subscription"
)

// EventType is set on every record as the "event-type" header.
const EventType = "subscription.transition"

var (
	ErrNoBrokers             = errors.New("kafka brokers are required")
	ErrUnknownScramAlgorithm = errors.New("unknown kafka SCRAM algorithm")
)

// Message is the JSON value of a transition record.
type Message struct {
	SubscriptionID string    `json:"subscription_id"`
	SubscriberID   string    `json:"subscriber_id"`
	PlanID         string    `json:"plan_id"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to"`
	Trigger        string    `json:"trigger"`
	Cause          string    `json:"cause"`
	At             time.Time `json:"at"`
}

// Encode builds the record for ev. Records are keyed by subscription so one
// subscription's transitions stay ordered within a partition.
func Encode(topic string, ev subscription.TransitionEvent) (*kgo.Record, error) {
	value, err := json.Marshal(Message{
		SubscriptionID: ev.SubscriptionID.String(),
		SubscriberID:   ev.SubscriberID.String(),
		PlanID:         ev.PlanID,
		From:           string(ev.From),
		To:             string(ev.To),
		Trigger:        string(ev.Trigger),
		Cause:          ev.Cause,
		At:             ev.At.UTC(),
	})
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(ev.SubscriptionID.String()),
		Value:   value,
		Headers: []kgo.RecordHeader{{Key: "event-type", Value: []byte(EventType)}},
	}, nil
}

// Producer is the part of *kgo.Client the publisher uses.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
}

// Publisher is a subscription.Observer. Produce is asynchronous; delivery
// failures are logged and never affect the transition.
type Publisher struct {
	producer Producer
	topic    string
	log      *slog.Logger
}

func NewPublisher(producer Producer, topic string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{producer: producer, topic: topic, log: log.With(logger.Component("kafka-producer"))}
}

func (p *Publisher) OnTransition(ctx context.Context, ev subscription.TransitionEvent) {
	rec, err := Encode(p.topic, ev)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to encode transition", logger.SubscriptionID(ev.SubscriptionID), logger.Error(err))
		return
	}
	p.producer.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			p.log.Error("transition record not delivered",
				logger.SubscriptionID(ev.SubscriptionID),
				logger.Transition(string(ev.From), string(ev.To)),
				logger.Error(err))
		}
	})
}

// Flush waits for buffered records.
func (p *Publisher) Flush(ctx context.Context) error {
	return p.producer.Flush(ctx)
}

// NewClient builds a franz-go client for cfg.
func NewClient(cfg Config, log *slog.Logger) (*kgo.Client, error) {
	if !cfg.Enabled() {
		return nil, ErrNoBrokers
	}
	if log == nil {
		log = slog.Default()
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.WithLogger(kslog.New(log.With(logger.Component("kafka")))),
		kgo.DefaultProduceTopic(cfg.Topic),
	}

	if cfg.ScramAlgorithm != "" {
		auth := scram.Auth{User: cfg.UserName, Pass: cfg.Password}
		switch cfg.ScramAlgorithm {
		case Scram256:
			opts = append(opts, kgo.SASL(auth.AsSha256Mechanism()))
		case Scram512:
			opts = append(opts, kgo.SASL(auth.AsSha512Mechanism()))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownScramAlgorithm, cfg.ScramAlgorithm)
		}
	}
	if cfg.TLS {
		opts = append(opts, kgo.DialTLS())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return client, nil
}
