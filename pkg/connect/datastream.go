package connect

import (
	"encoding/json"
	"fmt"
)

// Status is the administrative state of a Datastream.
type Status int

const (
	StatusReady Status = iota
	StatusPaused
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusPaused:
		return "PAUSED"
	case StatusStopped:
		return "STOPPED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Recognized datastream metadata keys, per spec §3/§6.
const (
	MetaPausedSourcePartitions = "pausedSourcePartitions"
	MetaStartPosition          = "startPosition"
	MetaGroupID                = "groupId"
	MetaIdentityPartitioning   = "identityPartitioning"
)

// WildcardPartition is the metadata sentinel meaning "every assigned
// partition of this topic".
const WildcardPartition = "*"

// Datastream is a read-only snapshot of a datastream definition, as held
// by a running task. The coordinator and admin CRUD surface that produce
// these snapshots are out of scope (spec §1); this type is the contract
// a task consumes.
type Datastream struct {
	Name                        string            `yaml:"name"`
	ConnectorName               string            `yaml:"connector_name,omitempty"`
	SourceConnectionString      string            `yaml:"source_connection_string"`
	DestinationConnectionString string            `yaml:"destination_connection_string"`
	Status                      Status            `yaml:"-"`
	Metadata                    map[string]string `yaml:"metadata,omitempty"`
}

// PausedSourcePartitions is the decoded form of the pausedSourcePartitions
// metadata entry: topic -> set of partition ids, or the wildcard.
type PausedSourcePartitions map[string][]string

// StartPosition is the decoded form of the startPosition metadata entry:
// partition id -> starting offset.
type StartPosition map[PartitionID]int64

// GroupID returns metadata.groupId if present, else the datastream name,
// per spec §4.E startup step 1.
func (d Datastream) GroupID() string {
	if g, ok := d.Metadata[MetaGroupID]; ok && g != "" {
		return g
	}
	return d.Name
}

// IdentityPartitioning reports whether metadata.identityPartitioning is
// set to true.
func (d Datastream) IdentityPartitioning() bool {
	v, ok := d.Metadata[MetaIdentityPartitioning]
	return ok && v == "true"
}

// PausedSourcePartitions decodes the pausedSourcePartitions metadata
// entry. An absent or empty entry decodes to an empty map, not an error.
func (d Datastream) PausedSourcePartitions() (PausedSourcePartitions, error) {
	raw, ok := d.Metadata[MetaPausedSourcePartitions]
	if !ok || raw == "" {
		return PausedSourcePartitions{}, nil
	}
	var out PausedSourcePartitions
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("datastream %s: invalid %s: %w", d.Name, MetaPausedSourcePartitions, err)
	}
	return out, nil
}

// StartPosition decodes the startPosition metadata entry.
func (d Datastream) StartPosition() (StartPosition, error) {
	raw, ok := d.Metadata[MetaStartPosition]
	if !ok || raw == "" {
		return StartPosition{}, nil
	}
	var asStrings map[string]int64
	if err := json.Unmarshal([]byte(raw), &asStrings); err != nil {
		return nil, fmt.Errorf("datastream %s: invalid %s: %w", d.Name, MetaStartPosition, err)
	}
	out := make(StartPosition, len(asStrings))
	for k, v := range asStrings {
		var p int
		if _, err := fmt.Sscanf(k, "%d", &p); err != nil {
			return nil, fmt.Errorf("datastream %s: invalid %s partition key %q: %w", d.Name, MetaStartPosition, k, err)
		}
		out[PartitionID(p)] = v
	}
	return out, nil
}

// WithPausedSourcePartitions returns a copy of metadata with
// pausedSourcePartitions replaced by the encoded form of p. All other
// keys, including ones this package does not recognize, are preserved
// verbatim (spec §6: "unknown keys must be preserved on update").
func WithPausedSourcePartitions(metadata map[string]string, p PausedSourcePartitions) (map[string]string, error) {
	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", MetaPausedSourcePartitions, err)
	}
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[MetaPausedSourcePartitions] = string(encoded)
	return out, nil
}
