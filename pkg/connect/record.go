// Package connect implements the consumer-producer task runtime that
// drives a single datastream task: polling source partitions, translating
// records into envelopes, forwarding them to a destination producer with
// delivery tracking, and checkpointing progress.
package connect

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// TimestampKind classifies the origin of Record.Timestamp.
type TimestampKind int

const (
	TimestampNone TimestampKind = iota
	TimestampCreate
	TimestampLogAppend
)

func (k TimestampKind) String() string {
	switch k {
	case TimestampCreate:
		return "create"
	case TimestampLogAppend:
		return "logAppend"
	default:
		return "none"
	}
}

// PartitionID identifies a partition within a topic.
type PartitionID int32

// TopicPartition is the ordering unit: all progress and pause state is
// keyed by this pair.
type TopicPartition struct {
	Topic     string
	Partition PartitionID
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// Record is the source-side view of a polled message.
type Record struct {
	Key           []byte
	Value         []byte
	Topic         string
	Partition     PartitionID
	Offset        int64
	Timestamp     int64
	TimestampKind TimestampKind
}

func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// Metadata keys required on every translated Envelope, per spec §3.
const (
	MetaOriginCluster    = "origin-cluster"
	MetaOriginTopic      = "origin-topic"
	MetaOriginPartition  = "origin-partition"
	MetaOriginOffset     = "origin-offset"
	MetaEventTimestamp   = "event-timestamp"
	MetaSourceTimestamp  = "source-timestamp"
)

// Envelope is the internal representation a Record is translated into
// before being handed to a ProducerHandle.
type Envelope struct {
	Key      []byte
	Value    []byte
	Headers  map[string][]byte
	Metadata map[string]string
}

// NewEnvelope builds an Envelope from a polled Record per spec §3,
// setting source-timestamp only when the record's timestamp kind is
// log-append (the kind for which the source's append time, not the
// producer's claimed create time, is meaningful for lag calculations).
func NewEnvelope(r Record, originCluster string) Envelope {
	md := map[string]string{
		MetaOriginCluster:   originCluster,
		MetaOriginTopic:     r.Topic,
		MetaOriginPartition: strconv.Itoa(int(r.Partition)),
		MetaOriginOffset:    strconv.FormatInt(r.Offset, 10),
		MetaEventTimestamp:  strconv.FormatInt(r.Timestamp, 10),
	}
	if r.TimestampKind == TimestampLogAppend {
		md[MetaSourceTimestamp] = strconv.FormatInt(r.Timestamp, 10)
	}
	return Envelope{Key: r.Key, Value: r.Value, Metadata: md}
}

// AckFunc is invoked exactly once per Send, with nil on durable accept or
// a terminal error. Shared by the producer handle and the flushless
// tracker so either can stand in for the other's Sender contract.
type AckFunc func(err error)

// ProducerRecord is one envelope addressed at a destination, carrying
// enough bookkeeping for the task loop to seek back and retry on failure.
type ProducerRecord struct {
	Envelope Envelope

	// DestinationConnectionString is the datastream's destination with any
	// "%s" placeholder already substituted with the origin topic (see
	// FormatDestination).
	DestinationConnectionString string

	// CheckpointToken is this record's source position, formatted per
	// spec §6 ("topic-partition-offset" or "partition-offset").
	CheckpointToken string

	// TargetPartition is set only when identity partitioning is enabled;
	// otherwise the destination adapter hashes by key.
	TargetPartition *int32

	// EventsSourceTimestamp is the origin record's timestamp in epoch ms,
	// used by destinations that track source-to-sink lag.
	EventsSourceTimestamp int64
}

// FormatCheckpointToken renders spec §6's wire format. topic is empty for
// single-topic (non-mirror) mode.
func FormatCheckpointToken(topic string, partition PartitionID, offset int64) string {
	if topic == "" {
		return fmt.Sprintf("%d-%d", partition, offset)
	}
	return fmt.Sprintf("%s-%d-%d", topic, partition, offset)
}

// FormatDestination substitutes originTopic into a "%s"-style
// destination connection string template.
func FormatDestination(template, originTopic string) string {
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, originTopic)
	}
	return template
}

// ParseSourceConnectionString splits a source connection string of the
// form "scheme://host:port/topicOrPattern" (spec §6) into the broker
// address and the path component naming a topic or topic pattern.
func ParseSourceConnectionString(s string) (brokers, topicOrPattern string, err error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", "", fmt.Errorf("source connection string %q: %w", s, err)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

var topicPatternChars = regexp.MustCompile(`[.*+?()|\[\]^$]`)

// IsTopicPattern reports whether topicOrPattern names a regex pattern
// (mirror mode, subscribing across every matching topic) rather than a
// single literal topic.
func IsTopicPattern(topicOrPattern string) bool {
	return topicPatternChars.MatchString(topicOrPattern)
}
