package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kslog"
)

const (
	producerRetries         = 5
	producerDeliveryTimeout = 30 * time.Second
	producerMaxBuffered     = 4096
)

// Producer is the part of a kgo.Client the Kafka publisher uses.
type Producer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaPublisher mirrors session events onto a topic, keyed by session id so
// each session's events stay ordered within a partition. Publish never
// blocks: when the producer buffer is full the event is dropped.
type KafkaPublisher struct {
	producer Producer
	topic    string
	drops    DropObserver
	logger   *slog.Logger
}

type KafkaOption func(*KafkaPublisher)

func WithKafkaDropObserver(o DropObserver) KafkaOption {
	return func(p *KafkaPublisher) {
		if o != nil {
			p.drops = o
		}
	}
}

func WithKafkaLogger(l *slog.Logger) KafkaOption {
	return func(p *KafkaPublisher) { p.logger = l }
}

func eventProducerOpts(brokers, topic string, logger *slog.Logger) []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(strings.Split(brokers, ",")...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(producerRetries),
		kgo.RecordDeliveryTimeout(producerDeliveryTimeout),
		kgo.MaxBufferedRecords(producerMaxBuffered),
		kgo.WithLogger(kslog.New(logger)),
	}
}

// NewKafkaPublisher connects a producer for topic on the comma separated
// broker list.
func NewKafkaPublisher(brokers, topic string, opts ...KafkaOption) (*KafkaPublisher, error) {
	p := newKafkaPublisher(nil, topic, opts...)
	client, err := kgo.NewClient(eventProducerOpts(brokers, topic, p.logger)...)
	if err != nil {
		return nil, fmt.Errorf("create event producer: %w", err)
	}
	p.producer = client
	return p, nil
}

// NewKafkaPublisherWithProducer is used by tests to inject a producer.
func NewKafkaPublisherWithProducer(producer Producer, topic string, opts ...KafkaOption) *KafkaPublisher {
	return newKafkaPublisher(producer, topic, opts...)
}

func newKafkaPublisher(producer Producer, topic string, opts ...KafkaOption) *KafkaPublisher {
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		drops:    noopDrops{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func buildEventRecord(topic string, ev Event) (*kgo.Record, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	headers := []kgo.RecordHeader{
		{Key: "session_id", Value: []byte(ev.SessionID)},
		{Key: "event_type", Value: []byte(ev.Type)},
	}
	if ev.Status != "" {
		headers = append(headers, kgo.RecordHeader{Key: "status", Value: []byte(ev.Status)})
	}
	return &kgo.Record{
		Topic:     topic,
		Key:       []byte(ev.SessionID),
		Value:     payload,
		Headers:   headers,
		Timestamp: ev.At,
	}, nil
}

func (p *KafkaPublisher) Publish(sessionID string, ev Event) {
	rec, err := buildEventRecord(p.topic, ev)
	if err != nil {
		p.logger.Warn("drop unencodable event", slog.String("session_id", sessionID), slog.Any("error", err))
		p.drops.RecordFanoutDropped()
		return
	}
	p.producer.TryProduce(context.Background(), rec, func(_ *kgo.Record, err error) {
		if err == nil {
			return
		}
		p.drops.RecordFanoutDropped()
		if !errors.Is(err, kgo.ErrMaxBuffered) {
			p.logger.Warn("event produce failed", slog.String("session_id", sessionID), slog.Any("error", err))
		}
	})
}

// Close flushes buffered events until ctx is done, then closes the producer.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	err := p.producer.Flush(ctx)
	p.producer.Close()
	return err
}
