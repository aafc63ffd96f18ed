package task

import "github.com/flowbridge/flowbridge/pkg/connect"

// TopicReadinessHook lets a producer implementation report destination
// partitions that are not yet ready to receive records (e.g. the
// destination topic does not exist yet and is being created). The task
// loop pauses the reported partitions synchronously, before returning
// control to the source adapter, so no record for them is delivered in
// the same poll (spec §4.E onAssigned, §9 design note).
type TopicReadinessHook func(partitions []connect.TopicPartition) (notReady []connect.TopicPartition)

// NoopReadinessHook is the default: every partition is considered ready.
func NoopReadinessHook(_ []connect.TopicPartition) []connect.TopicPartition {
	return nil
}
