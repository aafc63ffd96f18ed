package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/flowbridge/flowbridge/pkg/connect"
)

// KafkaAdapter implements Adapter over a single *kgo.Client configured
// as a consumer group member (spec §4.H). Partition assignment is
// delegated to the client's group-management callbacks, which the
// caller wires at construction time via kgo.OnPartitionsAssigned and
// kgo.OnPartitionsRevoked pointed at Assigned/Revoked below (kgo has no
// post-construction callback registration).
type KafkaAdapter struct {
	client *kgo.Client
	admin  *kadm.Client

	listener AssignmentListener

	mu         sync.Mutex
	paused     map[connect.TopicPartition]bool
	pollCancel context.CancelFunc
}

func NewKafkaAdapter(client *kgo.Client) *KafkaAdapter {
	return &KafkaAdapter{
		client: client,
		admin:  kadm.NewClient(client),
		paused: map[connect.TopicPartition]bool{},
	}
}

func (a *KafkaAdapter) Subscribe(_ context.Context, _ []string, _ string, listener AssignmentListener) error {
	// Topic and group membership are fixed when the *kgo.Client was
	// constructed (kgo joins the group as soon as polling starts); this
	// just records the listener the assignment callbacks will drive.
	a.listener = listener
	return nil
}

// Assigned is wired as the client's OnPartitionsAssigned callback.
func (a *KafkaAdapter) Assigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	if a.listener == nil {
		return
	}
	a.listener.Assigned(ctx, toTopicPartitions(assigned))
}

// Revoked is wired as the client's OnPartitionsRevoked callback.
func (a *KafkaAdapter) Revoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	if a.listener == nil {
		return
	}
	a.listener.Revoked(ctx, toTopicPartitions(revoked))
}

func toTopicPartitions(m map[string][]int32) []connect.TopicPartition {
	var out []connect.TopicPartition
	for topic, partitions := range m {
		for _, p := range partitions {
			out = append(out, connect.TopicPartition{Topic: topic, Partition: connect.PartitionID(p)})
		}
	}
	return out
}

// Poll blocks on the client until records arrive, ctx is canceled, or
// Wakeup is called from another goroutine.
func (a *KafkaAdapter) Poll(ctx context.Context) (Batch, error) {
	pollCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.pollCancel = cancel
	a.mu.Unlock()
	defer cancel()

	fetches := a.client.PollFetches(pollCtx)

	a.mu.Lock()
	a.pollCancel = nil
	a.mu.Unlock()

	if errors.Is(pollCtx.Err(), context.Canceled) && ctx.Err() == nil {
		// pollCtx was canceled by Wakeup, not by the caller's ctx.
		return Batch{}, ErrWakeup
	}

	var batch Batch
	fetches.EachError(func(topic string, partition int32, err error) {
		tp := connect.TopicPartition{Topic: topic, Partition: connect.PartitionID(partition)}
		switch {
		case errors.Is(err, kerr.OffsetOutOfRange):
			batch.Errs = append(batch.Errs, PartitionError{Partition: tp, Err: ErrOffsetOutOfRange})
		case errors.Is(err, kerr.UnknownTopicOrPartition):
			// The broker has no record of this partition: metadata hasn't
			// caught up with a just-completed rebalance/topic creation, so
			// there is no committed offset to resume from either. Route
			// through the same reset decision as a genuinely fresh
			// partition rather than the generic transient-retry path.
			batch.Errs = append(batch.Errs, PartitionError{Partition: tp, Err: ErrNoOffsetForPartition})
		default:
			batch.Errs = append(batch.Errs, PartitionError{Partition: tp, Err: err})
		}
	})

	fetches.EachRecord(func(rec *kgo.Record) {
		batch.Records = append(batch.Records, connect.Record{
			Key:           rec.Key,
			Value:         rec.Value,
			Topic:         rec.Topic,
			Partition:     connect.PartitionID(rec.Partition),
			Offset:        rec.Offset,
			Timestamp:     rec.Timestamp.UnixMilli(),
			TimestampKind: connect.TimestampLogAppend,
		})
	})
	return batch, nil
}

// Assignment always returns nil; the task loop is the authoritative owner of the assigned
// set (built from Assigned/Revoked callbacks), since kgo does not
// expose a single "current assignment" accessor.
func (a *KafkaAdapter) Assignment() []connect.TopicPartition {
	return nil
}

func (a *KafkaAdapter) Paused() []connect.TopicPartition {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]connect.TopicPartition, 0, len(a.paused))
	for tp := range a.paused {
		out = append(out, tp)
	}
	return out
}

func (a *KafkaAdapter) Pause(partitions []connect.TopicPartition) {
	byTopic := map[string][]int32{}
	a.mu.Lock()
	for _, tp := range partitions {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], int32(tp.Partition))
		a.paused[tp] = true
	}
	a.mu.Unlock()
	a.client.PauseFetchPartitions(byTopic)
}

func (a *KafkaAdapter) Resume(partitions []connect.TopicPartition) {
	byTopic := map[string][]int32{}
	a.mu.Lock()
	for _, tp := range partitions {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], int32(tp.Partition))
		delete(a.paused, tp)
	}
	a.mu.Unlock()
	a.client.ResumeFetchPartitions(byTopic)
}

func (a *KafkaAdapter) Seek(partition connect.TopicPartition, offset int64) {
	a.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		partition.Topic: {int32(partition.Partition): {Epoch: -1, Offset: offset}},
	})
}

func (a *KafkaAdapter) SeekToBeginning(partitions []connect.TopicPartition) {
	a.seekToListed(partitions, a.admin.ListStartOffsets)
}

func (a *KafkaAdapter) SeekToEnd(partitions []connect.TopicPartition) {
	a.seekToListed(partitions, a.admin.ListEndOffsets)
}

func (a *KafkaAdapter) seekToListed(partitions []connect.TopicPartition, list func(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)) {
	topics := make(map[string]bool, len(partitions))
	for _, tp := range partitions {
		topics[tp.Topic] = true
	}
	topicNames := make([]string, 0, len(topics))
	for t := range topics {
		topicNames = append(topicNames, t)
	}

	listed, err := list(context.Background(), topicNames...)
	if err != nil {
		return
	}

	offsets := map[string]map[int32]kgo.EpochOffset{}
	listed.Each(func(lo kadm.ListedOffset) {
		if offsets[lo.Topic] == nil {
			offsets[lo.Topic] = map[int32]kgo.EpochOffset{}
		}
		offsets[lo.Topic][lo.Partition] = kgo.EpochOffset{Epoch: lo.LeaderEpoch, Offset: lo.Offset}
	})
	a.client.SetOffsets(offsets)
}

func (a *KafkaAdapter) Committed(_ context.Context, partition connect.TopicPartition) (int64, bool, error) {
	committed := a.client.CommittedOffsets()
	byPartition, ok := committed[partition.Topic]
	if !ok {
		return 0, false, nil
	}
	eo, ok := byPartition[int32(partition.Partition)]
	if !ok {
		return 0, false, nil
	}
	return eo.Offset, true, nil
}

func (a *KafkaAdapter) CommitSync(ctx context.Context, offsets map[connect.TopicPartition]int64) error {
	toCommit := map[string]map[int32]kgo.EpochOffset{}
	for tp, offset := range offsets {
		if toCommit[tp.Topic] == nil {
			toCommit[tp.Topic] = map[int32]kgo.EpochOffset{}
		}
		toCommit[tp.Topic][int32(tp.Partition)] = kgo.EpochOffset{Epoch: -1, Offset: offset}
	}

	done := make(chan error, 1)
	a.client.CommitOffsets(ctx, toCommit, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		done <- err
	})
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("source: commit: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *KafkaAdapter) PartitionsFor(ctx context.Context, topic string) ([]connect.PartitionID, error) {
	meta, err := a.admin.Metadata(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("source: metadata for %q: %w", topic, err)
	}
	td, ok := meta.Topics[topic]
	if !ok {
		return nil, fmt.Errorf("source: topic %q not found", topic)
	}
	numbers := td.Partitions.Numbers()
	out := make([]connect.PartitionID, len(numbers))
	for i, n := range numbers {
		out[i] = connect.PartitionID(n)
	}
	return out, nil
}

// Wakeup interrupts a blocked Poll, which returns ErrWakeup.
func (a *KafkaAdapter) Wakeup() {
	a.mu.Lock()
	cancel := a.pollCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *KafkaAdapter) Close() {
	a.admin.Close()
	a.client.Close()
}
