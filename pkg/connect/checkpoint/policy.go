// Package checkpoint implements the checkpoint policy (spec §4.G): the
// pure decision of what to flush and what offsets to commit, for both
// flushful and flushless mode. The task loop invokes it on the soft
// commit interval and on every hard-commit trigger (revoke, shutdown).
package checkpoint

import (
	"context"
	"fmt"

	"github.com/flowbridge/flowbridge/pkg/connect"
)

// Kind distinguishes a periodic soft commit from a hard commit, which
// additionally flushes the producer and clears tracker state.
type Kind int

const (
	Soft Kind = iota
	Hard
)

// Mode selects between flushful (flush every cycle) and flushless
// (pipelined, tracker-driven) checkpointing.
type Mode int

const (
	Flushful Mode = iota
	Flushless
)

// Adapter is the subset of the source adapter the policy needs.
type Adapter interface {
	CommitSync(ctx context.Context, offsets map[connect.TopicPartition]int64) error
}

// Producer is the subset of the producer handle the policy needs.
type Producer interface {
	Flush(ctx context.Context) error
}

// Tracker is the subset of the flushless tracker the policy needs.
type Tracker interface {
	AckCheckpoint(tp connect.TopicPartition) int64
	Clear(tp connect.TopicPartition, committed int64)
}

// Policy decides, for a given mode, what a commit cycle does.
type Policy struct {
	Mode Mode
}

// Commit runs one commit cycle over assigned partitions.
//
// In Flushful mode, kind is ignored: the producer is always flushed
// first and lastPolled (the next offset to resume from, per partition)
// is committed, satisfying invariant 1's "safe offset = last polled
// offset after a successful flush" clause.
//
// In Flushless mode, the commit offset for each partition is always
// tracker.AckCheckpoint(p), regardless of kind; the tracker already
// reports it as one past the highest contiguously acknowledged offset
// (invariant 8). A Hard commit
// additionally flushes the producer and clears the tracker's state for
// every committed partition, per spec §4.G's "on hard commit also
// producer.flush() then tracker.clear()".
func (p Policy) Commit(ctx context.Context, kind Kind, assigned []connect.TopicPartition, lastPolled map[connect.TopicPartition]int64, tracker Tracker, adapter Adapter, producer Producer) error {
	switch p.Mode {
	case Flushful:
		if err := producer.Flush(ctx); err != nil {
			return fmt.Errorf("checkpoint: flush: %w", err)
		}
		offsets := make(map[connect.TopicPartition]int64, len(assigned))
		for _, tp := range assigned {
			if o, ok := lastPolled[tp]; ok {
				offsets[tp] = o
			}
		}
		if len(offsets) == 0 {
			return nil
		}
		if err := adapter.CommitSync(ctx, offsets); err != nil {
			return fmt.Errorf("checkpoint: commit: %w", err)
		}
		return nil

	case Flushless:
		offsets := make(map[connect.TopicPartition]int64, len(assigned))
		for _, tp := range assigned {
			offsets[tp] = tracker.AckCheckpoint(tp)
		}
		if len(offsets) == 0 {
			return nil
		}
		if kind == Hard {
			if err := producer.Flush(ctx); err != nil {
				return fmt.Errorf("checkpoint: flush: %w", err)
			}
			// Recompute after flush: every in-flight send has now
			// resolved, so ackCheckpoint may have advanced further.
			for _, tp := range assigned {
				offsets[tp] = tracker.AckCheckpoint(tp)
			}
		}
		if err := adapter.CommitSync(ctx, offsets); err != nil {
			return fmt.Errorf("checkpoint: commit: %w", err)
		}
		if kind == Hard {
			for _, tp := range assigned {
				tracker.Clear(tp, offsets[tp])
			}
		}
		return nil

	default:
		return fmt.Errorf("checkpoint: unknown mode %d", p.Mode)
	}
}
