package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowbridge/flowbridge/pkg/connect"
)

// fakeSender captures ack callbacks keyed by the record's
// EventsSourceTimestamp (repurposed here as the test's offset id), so
// the test can fire acks in any order independent of Send call order.
type fakeSender struct {
	acks map[int64]AckFunc
}

func newFakeSender() *fakeSender {
	return &fakeSender{acks: map[int64]AckFunc{}}
}

func (s *fakeSender) Send(rec connect.ProducerRecord, ack AckFunc) {
	s.acks[rec.EventsSourceTimestamp] = ack
}

func (s *fakeSender) fire(offset int64, err error) {
	s.acks[offset](err)
}

// S5 — acks arriving out of order advance the checkpoint only up to the
// largest contiguous acknowledged prefix.
func TestAckCheckpoint_OutOfOrderAcks(t *testing.T) {
	sender := newFakeSender()
	tr := New(sender)
	tp := connect.TopicPartition{Topic: "A", Partition: 0}

	for i := int64(0); i < 10; i++ {
		rec := connect.ProducerRecord{EventsSourceTimestamp: i, CheckpointToken: connect.FormatCheckpointToken("", 0, i)}
		tr.Send(tp, i, rec)
	}
	assert.Equal(t, 10, tr.InFlightCount(tp))
	assert.Equal(t, int64(0), tr.AckCheckpoint(tp))

	order := []int64{0, 1, 2, 4, 5, 3, 6, 7, 8, 9}
	expected := map[int64]int64{
		0: 1, 1: 2, 2: 3, 4: 3, 5: 3, 3: 6, 6: 7, 7: 8, 8: 9, 9: 10,
	}
	for _, offset := range order {
		sender.fire(offset, nil)
		assert.Equal(t, expected[offset], tr.AckCheckpoint(tp), "after ack %d", offset)
	}
	assert.Equal(t, 0, tr.InFlightCount(tp))
}

func TestSend_FailedAckDoesNotAdvanceCheckpoint(t *testing.T) {
	sender := newFakeSender()
	tr := New(sender)
	tp := connect.TopicPartition{Topic: "A", Partition: 0}

	for i := int64(0); i < 3; i++ {
		rec := connect.ProducerRecord{EventsSourceTimestamp: i}
		tr.Send(tp, i, rec)
	}
	sender.fire(0, nil)
	assert.Equal(t, int64(1), tr.AckCheckpoint(tp))

	sender.fire(1, assert.AnError)
	assert.Equal(t, int64(1), tr.AckCheckpoint(tp), "a failed ack must not advance the checkpoint")
	assert.Equal(t, 1, tr.InFlightCount(tp), "offset 2 still in flight")

	sender.fire(2, nil)
	assert.Equal(t, int64(1), tr.AckCheckpoint(tp), "offset 1's gap still blocks the checkpoint")
}

func TestClear_ResetsState(t *testing.T) {
	sender := newFakeSender()
	tr := New(sender)
	tp := connect.TopicPartition{Topic: "A", Partition: 0}

	for i := int64(0); i < 3; i++ {
		tr.Send(tp, i, connect.ProducerRecord{EventsSourceTimestamp: i})
	}
	tr.Clear(tp, 5)
	assert.Equal(t, 0, tr.InFlightCount(tp))
	assert.Equal(t, int64(5), tr.AckCheckpoint(tp))

	tr.Send(tp, 5, connect.ProducerRecord{EventsSourceTimestamp: 5})
	sender.fire(5, nil)
	assert.Equal(t, int64(6), tr.AckCheckpoint(tp))
}

func TestInFlightMessageCounts(t *testing.T) {
	sender := newFakeSender()
	tr := New(sender)
	a := connect.TopicPartition{Topic: "A", Partition: 0}
	b := connect.TopicPartition{Topic: "B", Partition: 0}

	tr.Send(a, 0, connect.ProducerRecord{EventsSourceTimestamp: 100})
	tr.Send(b, 0, connect.ProducerRecord{EventsSourceTimestamp: 200})
	tr.Send(b, 1, connect.ProducerRecord{EventsSourceTimestamp: 201})

	counts := tr.InFlightMessageCounts()
	assert.Equal(t, 1, counts[a])
	assert.Equal(t, 2, counts[b])
}
