// Package tracker implements the flushless in-flight offset tracker
// (spec §4.C): it decouples sending from checkpointing so the task never
// flushes during steady state, by maintaining per-partition sorted
// in-flight offset sets and the highest contiguous acknowledged offset.
package tracker

import (
	"sync"

	"github.com/flowbridge/flowbridge/pkg/connect"
)

// AckFunc is an alias for connect.AckFunc, kept so call sites within this
// package don't need the connect. qualifier.
type AckFunc = connect.AckFunc

// Sender is the minimal surface of a producer handle the tracker drives.
// A producer.Handle satisfies this directly.
type Sender interface {
	Send(rec connect.ProducerRecord, ack AckFunc)
}

type partitionState struct {
	mu         sync.Mutex
	inFlight   map[int64]struct{}
	highWater  int64 // highest offset ever passed to Send, -1 if none
	ackCeiling int64 // ackCheckpoint: largest offset x such that every offset <= x is resolved
}

// Tracker is the flushless in-flight offset tracker. Zero value is not
// usable; construct with New.
type Tracker struct {
	producer Sender

	mu         sync.Mutex
	partitions map[connect.TopicPartition]*partitionState
}

func New(producer Sender) *Tracker {
	return &Tracker{
		producer:   producer,
		partitions: map[connect.TopicPartition]*partitionState{},
	}
}

func (t *Tracker) state(tp connect.TopicPartition) *partitionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.partitions[tp]
	if !ok {
		ps = &partitionState{inFlight: map[int64]struct{}{}, highWater: -1, ackCeiling: -1}
		t.partitions[tp] = ps
	}
	return ps
}

// Send forwards rec to the underlying producer and records its offset as
// in-flight before the call returns, so a concurrent ack can never race
// ahead of the bookkeeping (spec invariant 5).
func (t *Tracker) Send(tp connect.TopicPartition, offset int64, rec connect.ProducerRecord) {
	t.SendWithCallback(tp, offset, rec, nil)
}

// SendWithCallback behaves like Send, additionally invoking onResult (if
// non-nil) with the send's terminal outcome. The tracker's own
// bookkeeping always runs regardless of onResult; this only exists so a
// caller (the task loop's per-record retry logic) can observe failures
// without taking over in-flight tracking itself.
func (t *Tracker) SendWithCallback(tp connect.TopicPartition, offset int64, rec connect.ProducerRecord, onResult AckFunc) {
	ps := t.state(tp)
	ps.mu.Lock()
	ps.inFlight[offset] = struct{}{}
	if offset > ps.highWater {
		ps.highWater = offset
	}
	ps.mu.Unlock()

	t.producer.Send(rec, func(err error) {
		if err != nil {
			// A terminal send failure does not advance ackCheckpoint;
			// the task loop's per-partition recovery (seek-back +
			// optional auto-pause) is responsible for the gap. The
			// offset is dropped from in-flight so it does not block
			// ackCheckpoint forever.
			ps.mu.Lock()
			delete(ps.inFlight, offset)
			ps.mu.Unlock()
			if onResult != nil {
				onResult(err)
			}
			return
		}
		t.onAck(tp, offset)
		if onResult != nil {
			onResult(nil)
		}
	})
}

// onAck removes offset from the in-flight set and advances ackCheckpoint
// past every resolved offset, stopping at the first still-in-flight
// offset (spec §4.C: gaps hold the checkpoint back).
func (t *Tracker) onAck(tp connect.TopicPartition, offset int64) {
	ps := t.state(tp)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.inFlight, offset)

	for ps.ackCeiling < ps.highWater {
		next := ps.ackCeiling + 1
		if _, pending := ps.inFlight[next]; pending {
			break
		}
		ps.ackCeiling = next
	}
}

// InFlightCount returns the number of unacknowledged offsets for tp.
func (t *Tracker) InFlightCount(tp connect.TopicPartition) int {
	ps := t.state(tp)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.inFlight)
}

// AckCheckpoint returns the offset safe to commit for tp: the next offset
// to be read on resumption, i.e. one past the largest offset such that
// every offset up to and including it has been acknowledged. Returns 0
// when nothing has been acknowledged yet.
func (t *Tracker) AckCheckpoint(tp connect.TopicPartition) int64 {
	ps := t.state(tp)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.ackCeiling + 1
}

// InFlightMessageCounts returns a diagnostics snapshot of in-flight
// counts per partition (spec §4.C).
func (t *Tracker) InFlightMessageCounts() map[connect.TopicPartition]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[connect.TopicPartition]int, len(t.partitions))
	for tp, ps := range t.partitions {
		ps.mu.Lock()
		out[tp] = len(ps.inFlight)
		ps.mu.Unlock()
	}
	return out
}

// Clear resets a partition's tracked state after a successful
// flush+commit (hard commit); AckCheckpoint reports committed again
// until further offsets are sent and acked.
func (t *Tracker) Clear(tp connect.TopicPartition, committed int64) {
	ps := t.state(tp)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.inFlight = map[int64]struct{}{}
	ps.highWater = committed - 1
	ps.ackCeiling = committed - 1
}
