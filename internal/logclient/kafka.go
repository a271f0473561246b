package logclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kslog"
	"go.opentelemetry.io/otel"

	"github.com/jdiitm/logconsole/internal/connection"
	"github.com/jdiitm/logconsole/internal/domain"
)

var ErrTopicNotFound = errors.New("topic or partition does not exist")

// KafkaOpener opens franz-go clients. A session with a partition is assigned
// that partition directly; otherwise it joins its consumer group.
type KafkaOpener struct {
	Logger         *slog.Logger
	MaxPollRecords int
}

func NewKafkaOpener(logger *slog.Logger, maxPollRecords int) *KafkaOpener {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPollRecords <= 0 {
		maxPollRecords = 500
	}
	return &KafkaOpener{Logger: logger, MaxPollRecords: maxPollRecords}
}

func (o *KafkaOpener) Open(ctx context.Context, conn connection.Config, target Target) (Client, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	opts, err := o.clientOpts(conn, target)
	if err != nil {
		return nil, err
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	adm := kadm.NewClient(cl)
	if err := validateTarget(ctx, adm, target); err != nil {
		cl.Close()
		return nil, err
	}
	return &kafkaClient{
		client:  cl,
		admin:   adm,
		target:  target,
		maxPoll: o.MaxPollRecords,
		logger:  o.Logger,
	}, nil
}

func (o *KafkaOpener) clientOpts(conn connection.Config, target Target) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(conn.Brokers...),
		kgo.WithLogger(kslog.New(o.Logger.With(slog.String("connection_id", conn.ID)))),
		kgo.WithHooks(
			kotel.NewTracer(
				kotel.TracerProvider(otel.GetTracerProvider()),
				kotel.TracerPropagator(otel.GetTextMapPropagator()),
				kotel.ConsumerGroup(target.ConsumerGroup),
			),
		),
	}
	if target.PollTimeout >= 10*time.Millisecond {
		opts = append(opts, kgo.FetchMaxWait(target.PollTimeout))
	}

	if target.Partition != nil {
		opts = append(opts, kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			target.Topic: {*target.Partition: kafkaOffset(target.StartOffset)},
		}))
	} else {
		opts = append(opts,
			kgo.ConsumerGroup(target.ConsumerGroup),
			kgo.ConsumeTopics(target.Topic),
			kgo.ConsumeResetOffset(kafkaOffset(target.StartOffset)),
		)
		if !target.AutoCommit {
			opts = append(opts, kgo.DisableAutoCommit())
		}
	}

	if conn.TLSEnabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: conn.TLSSkipVerify, //nolint:gosec // opt-in per connection
		}))
	}
	mech, err := saslMechanism(conn)
	if err != nil {
		return nil, err
	}
	if mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}
	return opts, nil
}

func kafkaOffset(o domain.StartOffset) kgo.Offset {
	switch o.Mode {
	case domain.OffsetEarliest:
		return kgo.NewOffset().AtStart()
	case domain.OffsetExplicit:
		return kgo.NewOffset().At(o.Offset)
	default:
		return kgo.NewOffset().AtEnd()
	}
}

func saslMechanism(conn connection.Config) (sasl.Mechanism, error) {
	switch conn.SASLMechanism {
	case connection.SASLNone:
		return nil, nil
	case connection.SASLPlain:
		return plain.Auth{User: conn.SASLUsername, Pass: conn.SASLPassword}.AsMechanism(), nil
	case connection.SASLScramSHA256:
		return scram.Auth{User: conn.SASLUsername, Pass: conn.SASLPassword}.AsSha256Mechanism(), nil
	case connection.SASLScramSHA512:
		return scram.Auth{User: conn.SASLUsername, Pass: conn.SASLPassword}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", conn.SASLMechanism)
	}
}

func validateTarget(ctx context.Context, adm *kadm.Client, target Target) error {
	offsets, err := adm.ListEndOffsets(ctx, target.Topic)
	if err != nil {
		return fmt.Errorf("list offsets for %s: %w", target.Topic, err)
	}
	var (
		found    bool
		firstErr error
	)
	offsets.Each(func(o kadm.ListedOffset) {
		if o.Err != nil {
			if firstErr == nil {
				firstErr = o.Err
			}
			return
		}
		if target.Partition == nil || o.Partition == *target.Partition {
			found = true
		}
	})
	if !found {
		if firstErr != nil {
			return fmt.Errorf("%w: %s: %w", ErrTopicNotFound, target.Topic, firstErr)
		}
		return fmt.Errorf("%w: %s", ErrTopicNotFound, target.Topic)
	}
	return nil
}

type kafkaClient struct {
	client  *kgo.Client
	admin   *kadm.Client
	target  Target
	maxPoll int
	logger  *slog.Logger
}

func (c *kafkaClient) Poll(ctx context.Context, timeout time.Duration) ([]domain.Record, error) {
	pollCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	fetches := c.client.PollRecords(pollCtx, c.maxPoll)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return nil, fmt.Errorf("poll %s[%d]: %w", fe.Topic, fe.Partition, fe.Err)
	}

	var records []domain.Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, toRecord(r))
	})

	if len(records) > 0 && c.target.Partition != nil && c.target.AutoCommit && c.target.ConsumerGroup != "" {
		if err := c.Commit(ctx, records); err != nil {
			c.logger.Warn("offset commit failed", TopicAttr(c.target.Topic), slog.Any("error", err))
		}
	}
	return records, nil
}

func toRecord(r *kgo.Record) domain.Record {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return domain.Record{
		Key:       r.Key,
		Value:     r.Value,
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Headers:   headers,
		Timestamp: r.Timestamp,
		KeySize:   len(r.Key),
		ValueSize: len(r.Value),
	}
}

// Commit stores the offset after each partition's last record. Group
// subscriptions commit through the group; direct assignments commit through
// the admin client when a group name is set.
func (c *kafkaClient) Commit(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	if c.target.Partition == nil {
		krs := make([]*kgo.Record, len(records))
		for i, r := range records {
			krs[i] = &kgo.Record{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, LeaderEpoch: -1}
		}
		return c.client.CommitRecords(ctx, krs...)
	}
	if c.target.ConsumerGroup == "" {
		return nil
	}
	offsets := make(kadm.Offsets)
	for _, r := range records {
		offsets.Add(kadm.Offset{Topic: r.Topic, Partition: r.Partition, At: r.Offset + 1, LeaderEpoch: -1})
	}
	return c.admin.CommitAllOffsets(ctx, c.target.ConsumerGroup, offsets)
}

func (c *kafkaClient) Close() {
	c.client.Close()
}
