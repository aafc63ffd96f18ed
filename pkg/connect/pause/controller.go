// Package pause implements the pause controller (spec §4.D): the union of
// operator-configured paused partitions and runtime auto-paused
// partitions, reconciled against the currently assigned partition set.
package pause

import (
	"sort"
	"strconv"
	"sync"

	"github.com/flowbridge/flowbridge/pkg/connect"
)

// Reason identifies why a partition was auto-paused.
type Reason int

const (
	ReasonSendError Reason = iota
	ReasonExceededMaxInFlight
	ReasonTopicNotReady
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonSendError:
		return "SEND_ERROR"
	case ReasonExceededMaxInFlight:
		return "EXCEEDED_MAX_IN_FLIGHT"
	case ReasonTopicNotReady:
		return "TOPIC_NOT_READY"
	case ReasonManual:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// ResumePredicate reports whether an auto-pause entry should be lifted.
// A MANUAL entry has no predicate and is never auto-resumed.
type ResumePredicate func() bool

// Entry is a single auto-pause record: why a partition was paused and
// when (if ever) it should resume on its own.
type Entry struct {
	Reason  Reason
	Resume  ResumePredicate
}

// Controller holds manualPaused and autoPaused state and computes the
// reconciled pause set. It is pure state: actual pause/resume calls to
// the source adapter happen in the task loop, immediately before the
// next poll (spec §4.D).
type Controller struct {
	mu          sync.Mutex
	manual      map[string][]string // topic -> partition ids, or "*"
	manualDirty bool
	auto        map[connect.TopicPartition]Entry
}

func NewController() *Controller {
	return &Controller{
		manual: map[string][]string{},
		auto:   map[connect.TopicPartition]Entry{},
	}
}

// SetManual replaces the manual pause map. It reports whether the new
// map differs from the previous one, so callers only need to enqueue a
// reconciliation update when something actually changed.
//
// Wildcard entries ("*") are stored as given and expanded against the
// assigned set on every Reconcile call. The expansion is not fixed at
// SetManual time: a partition of that topic assigned after SetManual was
// last called is paused at the next Reconcile, without a new SetManual
// call.
func (c *Controller) SetManual(manual map[string][]string) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mapsEqual(c.manual, manual) {
		return false
	}
	cp := make(map[string][]string, len(manual))
	for k, v := range manual {
		cp[k] = append([]string(nil), v...)
	}
	c.manual = cp
	c.manualDirty = true
	return true
}

// AutoPause inserts or overwrites an auto-pause entry for a partition.
func (c *Controller) AutoPause(tp connect.TopicPartition, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auto[tp] = entry
}

// AutoPaused reports whether tp currently carries an auto-pause entry.
func (c *Controller) AutoPaused(tp connect.TopicPartition) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.auto[tp]
	return e, ok
}

// PruneToAssigned drops any auto-paused partition not in assigned,
// maintaining invariant 3 (autoPaused ⊆ assigned) after a revoke.
func (c *Controller) PruneToAssigned(assigned []connect.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keep := toSet(assigned)
	for tp := range c.auto {
		if !keep[tp] {
			delete(c.auto, tp)
		}
	}
}

// Snapshot is a diagnostics-friendly, immutable view of current pause
// state (spec §6 datastreamState).
type Snapshot struct {
	AutoPaused   map[connect.TopicPartition]Reason
	ManualPaused map[string][]string
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		AutoPaused:   make(map[connect.TopicPartition]Reason, len(c.auto)),
		ManualPaused: make(map[string][]string, len(c.manual)),
	}
	for tp, e := range c.auto {
		s.AutoPaused[tp] = e.Reason
	}
	for k, v := range c.manual {
		s.ManualPaused[k] = append([]string(nil), v...)
	}
	return s
}

// Reconcile computes the desired pause set: the union of manual and auto
// entries, restricted to assigned, with auto entries whose predicate now
// returns true dropped first, and manual winning over auto when both
// name the same partition (spec §4.D). It returns the partitions that
// must newly be paused and newly be resumed relative to the adapter's
// previous pause set (currentlyPaused), and prunes resolved auto entries
// as a side effect.
func (c *Controller) Reconcile(assigned []connect.TopicPartition, currentlyPaused map[connect.TopicPartition]bool) (toPause, toResume []connect.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	assignedSet := toSet(assigned)
	assignedByTopic := map[string][]connect.TopicPartition{}
	for _, tp := range assigned {
		assignedByTopic[tp.Topic] = append(assignedByTopic[tp.Topic], tp)
	}

	desired := map[connect.TopicPartition]bool{}

	// Manual entries, including wildcard expansion against currently
	// assigned partitions.
	for topic, ids := range c.manual {
		for _, id := range ids {
			if id == connect.WildcardPartition {
				for _, tp := range assignedByTopic[topic] {
					desired[tp] = true
				}
				continue
			}
			tp := connect.TopicPartition{Topic: topic, Partition: parsePartitionID(id)}
			if assignedSet[tp] {
				desired[tp] = true
			}
		}
	}

	// Auto entries: resolved predicates are dropped (and pruned from
	// state); manual wins when both name the same partition.
	for tp, e := range c.auto {
		if !assignedSet[tp] {
			delete(c.auto, tp)
			continue
		}
		if e.Resume != nil && e.Resume() {
			delete(c.auto, tp)
			continue
		}
		if desired[tp] {
			// Manual already covers this partition: drop the now-redundant
			// auto entry so it doesn't outlive the manual pause.
			delete(c.auto, tp)
			continue
		}
		desired[tp] = true
	}

	for tp := range desired {
		if !currentlyPaused[tp] {
			toPause = append(toPause, tp)
		}
	}
	for tp := range currentlyPaused {
		if !desired[tp] && assignedSet[tp] {
			toResume = append(toResume, tp)
		}
	}

	sortTopicPartitions(toPause)
	sortTopicPartitions(toResume)
	return toPause, toResume
}

func parsePartitionID(id string) connect.PartitionID {
	p, _ := strconv.Atoi(id)
	return connect.PartitionID(p)
}

func toSet(tps []connect.TopicPartition) map[connect.TopicPartition]bool {
	s := make(map[connect.TopicPartition]bool, len(tps))
	for _, tp := range tps {
		s[tp] = true
	}
	return s
}

func sortTopicPartitions(tps []connect.TopicPartition) {
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
}

func mapsEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}
