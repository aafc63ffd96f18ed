// Package assignment provides the Source interface the task supervisor
// (spec §4.F) is driven from, plus a static in-memory implementation
// standing in for the out-of-scope cluster coordinator (spec.md §1: "the
// cluster coordinator and assignment algorithm" is referenced only
// through its contract). A production deployment plugs a real
// coordinator client in behind the same interface; grounded on
// cmd/tempo/app/modules.go's pattern of handing a dependency its
// collaborators at construction time rather than having it reach out
// for them.
package assignment

import (
	"github.com/flowbridge/flowbridge/pkg/connect"
)

// Source hands the supervisor full assignment snapshots. Each value
// received on Changes replaces the previous snapshot entirely; the
// supervisor computes the add/remove/update diff itself
// (Supervisor.OnAssignmentChange).
type Source interface {
	Changes() <-chan map[string]connect.Datastream
	Close()
}

// Static serves a fixed set of connectors and their datastreams, read
// once from configuration, with no further changes. It satisfies Source
// so the supervisor can be driven identically regardless of whether the
// assignment is static or comes from a live coordinator.
type Static struct {
	ch chan map[string]connect.Datastream
}

// NewStatic builds a Static source from a connector-name -> datastream
// list map, flattening it into the id-keyed snapshot the supervisor
// expects. Task ids are "<connectorName>/<datastreamName>", stable
// across process restarts as long as the configuration doesn't change.
func NewStatic(connectors map[string][]connect.Datastream) *Static {
	ch := make(chan map[string]connect.Datastream, 1)
	ch <- Flatten(connectors)
	return &Static{ch: ch}
}

func (s *Static) Changes() <-chan map[string]connect.Datastream { return s.ch }

func (s *Static) Close() { close(s.ch) }

// Flatten converts a connector-name -> datastream list map into the
// id-keyed snapshot Supervisor.OnAssignmentChange and
// Supervisor.SetInitialAssignment expect, stamping ConnectorName onto
// each datastream it didn't already carry one.
func Flatten(connectors map[string][]connect.Datastream) map[string]connect.Datastream {
	flat := make(map[string]connect.Datastream)
	for connectorName, datastreams := range connectors {
		for _, ds := range datastreams {
			if ds.ConnectorName == "" {
				ds.ConnectorName = connectorName
			}
			id := connectorName + "/" + ds.Name
			flat[id] = ds
		}
	}
	return flat
}
