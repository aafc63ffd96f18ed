package source

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

func newTestCluster(t *testing.T, topic string, partitions int32) string {
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

func TestKafkaAdapter_PollReturnsProducedRecords(t *testing.T) {
	const topic = "flowbridge-test"
	addr := newTestCluster(t, topic, 1)

	producer, err := kgo.NewClient(kgo.SeedBrokers(addr), kgo.DefaultProduceTopic(topic))
	require.NoError(t, err)
	defer producer.Close()
	res := producer.ProduceSync(context.Background(), &kgo.Record{Topic: topic, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, res.FirstErr())

	client, err := kgo.NewClient(
		kgo.SeedBrokers(addr),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup("flowbridge-test-group"),
	)
	require.NoError(t, err)
	defer client.Close()

	adapter := NewKafkaAdapter(client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var batch Batch
	require.Eventually(t, func() bool {
		b, err := adapter.Poll(ctx)
		require.NoError(t, err)
		if len(b.Records) > 0 {
			batch = b
			return true
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)

	require.Len(t, batch.Records, 1)
	assert.Equal(t, []byte("k"), batch.Records[0].Key)
	assert.Equal(t, []byte("v"), batch.Records[0].Value)
	assert.Equal(t, connect.PartitionID(0), batch.Records[0].Partition)
}

func TestKafkaAdapter_PollMapsUnknownTopicToNoOffsetForPartition(t *testing.T) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addrs := cluster.ListenAddrs()
	require.Len(t, addrs, 1)

	// Consuming a partition directly (bypassing group/metadata assignment)
	// for a topic that was never created surfaces kerr.UnknownTopicOrPartition
	// as a fetch error, the same way a just-rebalanced partition whose
	// topic metadata hasn't propagated yet would.
	client, err := kgo.NewClient(
		kgo.SeedBrokers(addrs[0]),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			"flowbridge-missing": {0: kgo.NewOffset().AtStart()},
		}),
	)
	require.NoError(t, err)
	defer client.Close()

	adapter := NewKafkaAdapter(client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var batch Batch
	require.Eventually(t, func() bool {
		b, err := adapter.Poll(ctx)
		require.NoError(t, err)
		if len(b.Errs) > 0 {
			batch = b
			return true
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)

	require.Len(t, batch.Errs, 1)
	assert.ErrorIs(t, batch.Errs[0].Err, ErrNoOffsetForPartition)
	assert.Equal(t, connect.TopicPartition{Topic: "flowbridge-missing", Partition: 0}, batch.Errs[0].Partition)
}

func TestKafkaAdapter_Wakeup(t *testing.T) {
	const topic = "flowbridge-wakeup"
	addr := newTestCluster(t, topic, 1)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(addr),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup("flowbridge-wakeup-group"),
	)
	require.NoError(t, err)
	defer client.Close()

	adapter := NewKafkaAdapter(client)

	done := make(chan error, 1)
	go func() {
		_, err := adapter.Poll(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.pollCancel != nil
	}, time.Second, time.Millisecond)

	adapter.Wakeup()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrWakeup)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not return after wakeup")
	}
}
