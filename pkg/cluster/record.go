package cluster

import (
	"encoding/json"
	"fmt"
)

// Role represents the published role of a node in the group
type Role int

const (
	// RoleInitializing is a node that has registered but is not yet
	// serving as a replica
	RoleInitializing Role = iota
	// RoleReplica is a node replicating from the current master
	RoleReplica
	// RoleMaster is the node holding the election lease
	RoleMaster
	// RoleDead is never self-published: it is how peers see a node
	// whose record vanished with its session
	RoleDead
)

// String returns the string representation of a Role
func (r Role) String() string {
	switch r {
	case RoleInitializing:
		return "initializing"
	case RoleReplica:
		return "replica"
	case RoleMaster:
		return "master"
	case RoleDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the role as its string form
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a role from its string form
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "initializing":
		*r = RoleInitializing
	case "replica":
		*r = RoleReplica
	case "master":
		*r = RoleMaster
	case "dead":
		*r = RoleDead
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return nil
}

// Health is the published health verdict of a node
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// NodeRecord is one cluster member's published state. It lives as an
// ephemeral entry in the consensus namespace, written only by the
// owning daemon and removed by the store when that daemon's session
// expires.
type NodeRecord struct {
	NodeID              string            `json:"node_id"`
	Role                Role              `json:"role"`
	Health              Health            `json:"health"`
	HealthReason        string            `json:"health_reason,omitempty"`
	Generation          uint64            `json:"generation"`
	ReplicationPosition uint64            `json:"replication_position"`
	Tags                map[string]string `json:"tags,omitempty"`
}

// IsHealthy returns true if the record reports HEALTHY
func (r *NodeRecord) IsHealthy() bool {
	return r.Health == HealthHealthy
}

// Clone returns a deep copy of the record
func (r *NodeRecord) Clone() *NodeRecord {
	out := *r
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	return &out
}

// Equal reports whether two records publish identical state
func (r *NodeRecord) Equal(other *NodeRecord) bool {
	if other == nil {
		return false
	}
	if r.NodeID != other.NodeID || r.Role != other.Role ||
		r.Health != other.Health || r.HealthReason != other.HealthReason ||
		r.Generation != other.Generation ||
		r.ReplicationPosition != other.ReplicationPosition {
		return false
	}
	if len(r.Tags) != len(other.Tags) {
		return false
	}
	for k, v := range r.Tags {
		if other.Tags[k] != v {
			return false
		}
	}
	return true
}

// Encode serializes the record for storage in the consensus namespace
func (r *NodeRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeNodeRecord parses a stored record
func DecodeNodeRecord(data []byte) (*NodeRecord, error) {
	var rec NodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordCorrupt, err)
	}
	if rec.NodeID == "" {
		return nil, fmt.Errorf("%w: missing node_id", ErrRecordCorrupt)
	}
	return &rec, nil
}
