// Package producer defines the destination producer handle contract
// (spec §4.B): accept envelopes, ack durability asynchronously, flush on
// demand. A franz-go-backed implementation is in kafka.go (spec §4.I).
package producer

import (
	"context"
	"errors"

	"github.com/flowbridge/flowbridge/pkg/connect"
)

// ErrTargetPartitionOutOfRange is wrapped into the ack error when a
// record's explicit TargetPartition does not exist on the destination
// topic (spec §9 OQ1).
var ErrTargetPartitionOutOfRange = errors.New("producer: target partition out of range")

// AckFunc is an alias for connect.AckFunc. The core treats any non-nil
// err as a terminal send failure; producer-internal retries are the
// producer's concern (spec §4.B).
type AckFunc = connect.AckFunc

// Handle is the destination-side contract a task drives.
type Handle interface {
	Send(rec connect.ProducerRecord, ack AckFunc)

	// Flush blocks until every previously submitted record has been
	// terminally acknowledged.
	Flush(ctx context.Context) error

	Close()
}
