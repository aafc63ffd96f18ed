package producer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/flowbridge/flowbridge/pkg/connect"
)

func newTestDestination(t *testing.T, topic string, partitions int32) (addr string) {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addrs := cluster.ListenAddrs()
	require.Len(t, addrs, 1)

	cl, err := kgo.NewClient(kgo.SeedBrokers(addrs[0]))
	require.NoError(t, err)
	defer cl.Close()

	adm := kadm.NewClient(cl)
	defer adm.Close()
	_, err = adm.CreateTopic(context.Background(), partitions, 1, nil, topic)
	require.NoError(t, err)

	return addrs[0]
}

func TestKafkaProducer_SendAndAck(t *testing.T) {
	const topic = "dest-topic"
	addr := newTestDestination(t, topic, 1)

	client, err := kgo.NewClient(kgo.SeedBrokers(addr))
	require.NoError(t, err)
	defer client.Close()

	p := NewKafkaProducer(client)
	defer p.Close()

	rec := connect.ProducerRecord{
		Envelope:                    connect.Envelope{Key: []byte("k"), Value: []byte("v")},
		DestinationConnectionString: "kafka://" + addr + "/" + topic,
	}

	acked := make(chan error, 1)
	p.Send(rec, func(err error) { acked <- err })

	select {
	case err := <-acked:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ack never arrived")
	}
}

func TestKafkaProducer_TargetPartitionOutOfRangeFailsTerminal(t *testing.T) {
	const topic = "dest-single-partition"
	addr := newTestDestination(t, topic, 1)

	client, err := kgo.NewClient(kgo.SeedBrokers(addr))
	require.NoError(t, err)
	defer client.Close()

	p := NewKafkaProducer(client)
	defer p.Close()

	bad := int32(5)
	rec := connect.ProducerRecord{
		Envelope:                    connect.Envelope{Key: []byte("k"), Value: []byte("v")},
		DestinationConnectionString: "kafka://" + addr + "/" + topic,
		TargetPartition:             &bad,
	}

	acked := make(chan error, 1)
	p.Send(rec, func(err error) { acked <- err })

	select {
	case err := <-acked:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTargetPartitionOutOfRange)
	case <-time.After(5 * time.Second):
		t.Fatal("ack never arrived")
	}
}

func TestKafkaProducer_TargetPartitionLandsOnPartition(t *testing.T) {
	const topic = "dest-identity"
	addr := newTestDestination(t, topic, 3)

	// Mirrors the real wiring in cmd/flowbridge/app/modules.go: identity
	// partitioning requires a manual partitioner, since franz-go's default
	// partitioner otherwise ignores an explicitly set Record.Partition.
	client, err := kgo.NewClient(
		kgo.SeedBrokers(addr),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	require.NoError(t, err)
	defer client.Close()

	p := NewKafkaProducer(client)
	defer p.Close()

	want := int32(2)
	rec := connect.ProducerRecord{
		Envelope:                    connect.Envelope{Key: []byte("k"), Value: []byte("v")},
		DestinationConnectionString: "kafka://" + addr + "/" + topic,
		TargetPartition:             &want,
	}

	acked := make(chan error, 1)
	p.Send(rec, func(err error) { acked <- err })

	select {
	case err := <-acked:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ack never arrived")
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(addr),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			topic: {want: kgo.NewOffset().AtStart()},
		}),
	)
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(ctx)
	require.NoError(t, fetches.Err())

	var found bool
	fetches.EachRecord(func(r *kgo.Record) {
		if r.Partition == want && string(r.Value) == "v" {
			found = true
		}
	})
	assert.True(t, found, "expected record on partition %d", want)
}

func TestKafkaProducer_FlushWaitsForAcks(t *testing.T) {
	const topic = "dest-flush"
	addr := newTestDestination(t, topic, 1)

	client, err := kgo.NewClient(kgo.SeedBrokers(addr))
	require.NoError(t, err)
	defer client.Close()

	p := NewKafkaProducer(client)
	defer p.Close()

	for i := 0; i < 5; i++ {
		rec := connect.ProducerRecord{
			Envelope:                    connect.Envelope{Value: []byte("v")},
			DestinationConnectionString: "kafka://" + addr + "/" + topic,
		}
		p.Send(rec, func(error) {})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, p.Flush(ctx))
}
