// Package source defines the source adapter contract (spec §4.A): the
// task loop's view of a partitioned, offset-addressable input, with a
// franz-go-backed Kafka implementation (spec §4.H).
package source

import (
	"context"
	"errors"

	"github.com/flowbridge/flowbridge/pkg/connect"
)

// Sentinel errors the task loop's poll-error table (spec §4.E) switches
// on. All other poll errors are treated as transient and retried.
var (
	ErrWakeup               = errors.New("source: wakeup")
	ErrNoOffsetForPartition = errors.New("source: no committed offset and no start position for partition")
	ErrOffsetOutOfRange     = errors.New("source: offset out of range")
)

// AssignmentListener is notified when the consumer group rebalances.
// Assigned and Revoked are called on the polling goroutine, synchronously
// with Poll, per spec §4.A/§4.E ("assignment callbacks interleave with
// the poll loop and must not race checkpointing").
type AssignmentListener interface {
	Assigned(ctx context.Context, partitions []connect.TopicPartition)
	Revoked(ctx context.Context, partitions []connect.TopicPartition)
}

// Batch is one poll's worth of records, grouped by partition in the
// order they must be processed.
type Batch struct {
	Records []connect.Record
	Errs    []PartitionError
}

// PartitionError reports a poll-time error scoped to one partition,
// e.g. ErrOffsetOutOfRange, alongside any records successfully fetched
// for other partitions in the same batch.
type PartitionError struct {
	Partition connect.TopicPartition
	Err       error
}

// Adapter is the source-side contract a task drives (spec §4.A).
type Adapter interface {
	// Subscribe joins a consumer group for topics (or a pattern),
	// installing listener to observe subsequent rebalances.
	Subscribe(ctx context.Context, topics []string, groupID string, listener AssignmentListener) error

	// Poll blocks up to timeout for the next batch. A zero-length,
	// error-free Batch means the timeout elapsed with nothing to read.
	Poll(ctx context.Context) (Batch, error)

	Assignment() []connect.TopicPartition
	Paused() []connect.TopicPartition
	Pause(partitions []connect.TopicPartition)
	Resume(partitions []connect.TopicPartition)

	Seek(partition connect.TopicPartition, offset int64)
	SeekToBeginning(partitions []connect.TopicPartition)
	SeekToEnd(partitions []connect.TopicPartition)

	Committed(ctx context.Context, partition connect.TopicPartition) (offset int64, ok bool, err error)
	CommitSync(ctx context.Context, offsets map[connect.TopicPartition]int64) error

	PartitionsFor(ctx context.Context, topic string) ([]connect.PartitionID, error)

	// Wakeup interrupts a blocked Poll from another goroutine, causing
	// it to return ErrWakeup.
	Wakeup()

	Close()
}
