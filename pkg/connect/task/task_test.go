package task

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbridge/flowbridge/pkg/connect"
	"github.com/flowbridge/flowbridge/pkg/connect/producer"
	"github.com/flowbridge/flowbridge/pkg/connect/source"
)

type fakeAdapter struct {
	mu        sync.Mutex
	batches   []source.Batch
	seeks     map[connect.TopicPartition]int64
	paused    map[connect.TopicPartition]bool
	committed map[connect.TopicPartition]int64
	wakeup    chan struct{}
}

func newFakeAdapter(batches ...source.Batch) *fakeAdapter {
	return &fakeAdapter{
		batches:   batches,
		seeks:     map[connect.TopicPartition]int64{},
		paused:    map[connect.TopicPartition]bool{},
		committed: map[connect.TopicPartition]int64{},
		wakeup:    make(chan struct{}, 1),
	}
}

func (a *fakeAdapter) Subscribe(context.Context, []string, string, source.AssignmentListener) error {
	return nil
}

func (a *fakeAdapter) Poll(ctx context.Context) (source.Batch, error) {
	a.mu.Lock()
	if len(a.batches) > 0 {
		b := a.batches[0]
		a.batches = a.batches[1:]
		a.mu.Unlock()
		return b, nil
	}
	a.mu.Unlock()

	select {
	case <-a.wakeup:
		return source.Batch{}, source.ErrWakeup
	case <-ctx.Done():
		return source.Batch{}, nil
	}
}

func (a *fakeAdapter) Assignment() []connect.TopicPartition { return nil }

func (a *fakeAdapter) Paused() []connect.TopicPartition {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []connect.TopicPartition
	for tp := range a.paused {
		out = append(out, tp)
	}
	return out
}

func (a *fakeAdapter) Pause(partitions []connect.TopicPartition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tp := range partitions {
		a.paused[tp] = true
	}
}

func (a *fakeAdapter) Resume(partitions []connect.TopicPartition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tp := range partitions {
		delete(a.paused, tp)
	}
}

func (a *fakeAdapter) Seek(partition connect.TopicPartition, offset int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seeks[partition] = offset
}

func (a *fakeAdapter) SeekToBeginning([]connect.TopicPartition) {}
func (a *fakeAdapter) SeekToEnd([]connect.TopicPartition)       {}

func (a *fakeAdapter) Committed(_ context.Context, partition connect.TopicPartition) (int64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.committed[partition]
	return o, ok, nil
}

func (a *fakeAdapter) CommitSync(_ context.Context, offsets map[connect.TopicPartition]int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for tp, o := range offsets {
		a.committed[tp] = o
	}
	return nil
}

func (a *fakeAdapter) PartitionsFor(context.Context, string) ([]connect.PartitionID, error) {
	return nil, nil
}

func (a *fakeAdapter) Wakeup() {
	select {
	case a.wakeup <- struct{}{}:
	default:
	}
}

func (a *fakeAdapter) Close() {}

type fakeProducer struct {
	mu     sync.Mutex
	sent   []connect.ProducerRecord
	failAt int // 1-based Send() call count that fails terminally; 0 = never
	count  int
}

func (p *fakeProducer) Send(rec connect.ProducerRecord, ack producer.AckFunc) {
	p.mu.Lock()
	p.count++
	n := p.count
	p.sent = append(p.sent, rec)
	p.mu.Unlock()

	if p.failAt != 0 && n == p.failAt {
		ack(fmt.Errorf("fake send failure"))
		return
	}
	ack(nil)
}

func (p *fakeProducer) Flush(context.Context) error { return nil }
func (p *fakeProducer) Close()                      {}

func testConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	cfg.RegisterFlagsWithPrefix("", flag.NewFlagSet("test", flag.ContinueOnError))
	cfg.OffsetCommitInterval = time.Hour // keep the periodic commit out of these tests' way
	return cfg
}

func TestTask_TranslateAndSend_Mirror(t *testing.T) {
	batch := source.Batch{Records: []connect.Record{
		{Topic: "A", Partition: 0, Offset: 0, Key: []byte("ka"), Value: []byte("va"), Timestamp: 1000, TimestampKind: connect.TimestampLogAppend},
		{Topic: "B", Partition: 0, Offset: 0, Key: []byte("kb"), Value: []byte("vb"), Timestamp: 1000, TimestampKind: connect.TimestampLogAppend},
		{Topic: "C", Partition: 0, Offset: 0, Key: []byte("kc"), Value: []byte("vc"), Timestamp: 1000, TimestampKind: connect.TimestampLogAppend},
	}}
	adapter := newFakeAdapter(batch)
	prod := &fakeProducer{}

	ds := connect.Datastream{
		Name:                        "mirror-abc",
		SourceConnectionString:      "kafka://broker:9092/.*",
		DestinationConnectionString: "kafka://dest:9092/%s",
	}

	tk := New("t1", ds, "origin-cluster", testConfig(t), adapter, prod, log.NewNopLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tk.Run(ctx) }()

	require.Eventually(t, func() bool {
		prod.mu.Lock()
		defer prod.mu.Unlock()
		return len(prod.sent) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tk.Stop(context.Background()))
	require.NoError(t, <-done)

	prod.mu.Lock()
	defer prod.mu.Unlock()
	destTopics := map[string]bool{}
	for _, rec := range prod.sent {
		destTopics[rec.Envelope.Metadata[connect.MetaOriginTopic]] = true
		assert.Equal(t, "0", rec.Envelope.Metadata[connect.MetaOriginPartition])
		assert.Equal(t, "0", rec.Envelope.Metadata[connect.MetaOriginOffset])
		assert.NotEmpty(t, rec.Envelope.Metadata[connect.MetaEventTimestamp])
	}
	assert.Equal(t, map[string]bool{"A": true, "B": true, "C": true}, destTopics)
}

func TestTask_SendErrorAutoPausesAndSeeksBack(t *testing.T) {
	var recs []connect.Record
	for i := int64(0); i < 5; i++ {
		recs = append(recs, connect.Record{Topic: "A", Partition: 0, Offset: i, Value: []byte("v"), Timestamp: 1000})
	}
	adapter := newFakeAdapter(source.Batch{Records: recs})
	prod := &fakeProducer{failAt: 3}

	ds := connect.Datastream{
		Name:                        "mirror-err",
		SourceConnectionString:      "kafka://broker:9092/A",
		DestinationConnectionString: "kafka://dest:9092/A",
	}

	cfg := testConfig(t)
	cfg.Backoff.MaxRetries = 1
	cfg.Backoff.MinBackoff = time.Millisecond
	cfg.Backoff.MaxBackoff = time.Millisecond

	tk := New("t2", ds, "origin", cfg, adapter, prod, log.NewNopLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tk.Run(ctx) }()

	target := connect.TopicPartition{Topic: "A", Partition: 0}

	require.Eventually(t, func() bool {
		prod.mu.Lock()
		defer prod.mu.Unlock()
		return prod.count >= 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := tk.PauseSnapshot().AutoPaused[target]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tk.Stop(context.Background()))
	require.NoError(t, <-done)

	prod.mu.Lock()
	sentCount := prod.count
	prod.mu.Unlock()
	assert.Equal(t, 3, sentCount, "records 4-5 must not be sent once the partition gives up")

	adapter.mu.Lock()
	seekOffset, seeked := adapter.seeks[target]
	adapter.mu.Unlock()
	require.True(t, seeked)
	assert.Equal(t, int64(0), seekOffset)
}

func TestTask_StopIsIdempotent(t *testing.T) {
	adapter := newFakeAdapter()
	prod := &fakeProducer{}
	ds := connect.Datastream{Name: "idle", SourceConnectionString: "kafka://broker:9092/A", DestinationConnectionString: "kafka://dest:9092/A"}

	tk := New("t3", ds, "origin", testConfig(t), adapter, prod, log.NewNopLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tk.Run(ctx) }()

	require.Eventually(t, func() bool { return tk.State() == StateRunning }, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tk.Stop(context.Background())
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, tk.State())
}
