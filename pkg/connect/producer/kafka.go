package producer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/flowbridge/flowbridge/pkg/connect"
)

// KafkaProducer implements Handle over a single *kgo.Client bootstrapped
// against a destination cluster (spec §4.I). The destination topic for
// each record is taken from the path component of its already-templated
// DestinationConnectionString (spec §6: "scheme://host:port/path").
type KafkaProducer struct {
	client *kgo.Client
	admin  *kadm.Client

	mu              sync.Mutex
	partitionCounts map[string]int
}

func NewKafkaProducer(client *kgo.Client) *KafkaProducer {
	return &KafkaProducer{
		client:          client,
		admin:           kadm.NewClient(client),
		partitionCounts: map[string]int{},
	}
}

func destinationTopic(connectionString string) (string, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("producer: invalid destination %q: %w", connectionString, err)
	}
	topic := strings.TrimPrefix(u.Path, "/")
	if topic == "" {
		return "", fmt.Errorf("producer: destination %q has no topic path", connectionString)
	}
	return topic, nil
}

// partitionCount returns topic's partition count, fetching and caching
// it from the destination cluster's metadata on first use.
func (p *KafkaProducer) partitionCount(ctx context.Context, topic string) (int, error) {
	p.mu.Lock()
	if n, ok := p.partitionCounts[topic]; ok {
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	meta, err := p.admin.Metadata(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("producer: metadata for %q: %w", topic, err)
	}
	td, ok := meta.Topics[topic]
	if !ok || td.Err != nil {
		return 0, fmt.Errorf("producer: topic %q not found", topic)
	}
	n := len(td.Partitions)

	p.mu.Lock()
	p.partitionCounts[topic] = n
	p.mu.Unlock()
	return n, nil
}

// Send produces rec to its destination topic. Per spec §9 OQ1, a record
// whose TargetPartition is set but out of range for the destination
// topic's current partition count is terminally failed rather than
// retried: retrying cannot change a fixed destination's partition count,
// so retry would only stall the partition forever.
func (p *KafkaProducer) Send(rec connect.ProducerRecord, ack AckFunc) {
	topic, err := destinationTopic(rec.DestinationConnectionString)
	if err != nil {
		ack(err)
		return
	}

	kr := &kgo.Record{
		Topic:   topic,
		Key:     rec.Envelope.Key,
		Value:   rec.Envelope.Value,
		Headers: headersFor(rec.Envelope.Headers),
	}

	if rec.TargetPartition != nil {
		n, err := p.partitionCount(context.Background(), topic)
		if err != nil {
			ack(err)
			return
		}
		if int(*rec.TargetPartition) < 0 || int(*rec.TargetPartition) >= n {
			ack(fmt.Errorf("producer: target partition %d out of range for topic %q (%d partitions): %w",
				*rec.TargetPartition, topic, n, ErrTargetPartitionOutOfRange))
			return
		}
		kr.Partition = *rec.TargetPartition
	}

	p.client.Produce(context.Background(), kr, func(_ *kgo.Record, err error) {
		ack(err)
	})
}

func headersFor(h map[string][]byte) []kgo.RecordHeader {
	if len(h) == 0 {
		return nil
	}
	out := make([]kgo.RecordHeader, 0, len(h))
	for k, v := range h {
		out = append(out, kgo.RecordHeader{Key: k, Value: v})
	}
	return out
}

func (p *KafkaProducer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("producer: flush: %w", err)
	}
	return nil
}

func (p *KafkaProducer) Close() {
	p.admin.Close()
	p.client.Close()
}
