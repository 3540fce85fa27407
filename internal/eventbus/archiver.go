package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/wavecraft/studio-core/internal/domain"
)

// TopicJobEvents receives one record per terminal job event.
const TopicJobEvents = "job-events"

// Archiver mirrors terminal events to a Kafka/Redpanda topic. Delivery is
// at most once: a lost record is never retried against a job that already
// published its single terminal event locally.
type Archiver struct {
	client *kgo.Client
}

// NewArchiver connects to the given brokers and ensures the topic exists.
func NewArchiver(brokers []string) (*Archiver, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=eventbus.NewArchiver: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=eventbus.NewArchiver: %w", err)
	}
	if err := ensureTopic(context.Background(), client, TopicJobEvents, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", TopicJobEvents), slog.Any("error", err))
	}
	return &Archiver{client: client}, nil
}

// Archive produces ev to the job-events topic, keyed by job id.
func (a *Archiver) Archive(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=eventbus.Archive: %w", err)
	}
	rec := &kgo.Record{Topic: TopicJobEvents, Key: []byte(ev.JobID), Value: payload}
	if err := a.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=eventbus.Archive: %w", err)
	}
	return nil
}

// Close flushes and releases the producer.
func (a *Archiver) Close() {
	a.client.Close()
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replication
	req.Topics = append(req.Topics, t)
	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=eventbus.ensureTopic: %w", err)
	}
	cr, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok || len(cr.Topics) == 0 {
		return nil
	}
	if em := cr.Topics[0].ErrorMessage; em != nil && *em != "" {
		return fmt.Errorf("op=eventbus.ensureTopic: %s", *em)
	}
	return nil
}
