package cluster

import (
	"sort"
	"sync"

	"github.com/dd0wney/cluso-deadman/pkg/dcs"
	"github.com/dd0wney/cluso-deadman/pkg/logging"
)

// StateView is a read-only, eventually-consistent mirror of every node
// record in the group. It is rebuilt wholesale on each watch
// notification rather than patched incrementally, which rules out
// missed-delete bugs: a record absent from the snapshot is gone, full
// stop.
//
// Fencing: the view remembers the highest generation ever observed per
// node and drops any MASTER record below that mark. A partitioned
// former master that reconnects with a stale cached generation is
// therefore never treated as authoritative again.
type StateView struct {
	records map[string]*NodeRecord
	maxGen  map[string]uint64
	logger  logging.Logger
	mu      sync.RWMutex
}

// Diff summarizes what changed between two refreshes
type Diff struct {
	Added   []string
	Updated []string
	Removed []string
	// Stale lists node ids whose records were dropped by fencing
	Stale []string
}

// Empty returns true if the refresh changed nothing
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 &&
		len(d.Removed) == 0 && len(d.Stale) == 0
}

// NewStateView creates an empty view
func NewStateView(logger logging.Logger) *StateView {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &StateView{
		records: make(map[string]*NodeRecord),
		maxGen:  make(map[string]uint64),
		logger:  logger,
	}
}

// Refresh rebuilds the view from a raw namespace snapshot
func (v *StateView) Refresh(snap dcs.Snapshot) Diff {
	v.mu.Lock()
	defer v.mu.Unlock()

	var diff Diff
	fresh := make(map[string]*NodeRecord, len(snap))

	for name, data := range snap {
		rec, err := DecodeNodeRecord(data)
		if err != nil {
			v.logger.Warn("dropping undecodable node record",
				logging.NodeID(name), logging.Error(err))
			continue
		}

		if rec.Generation < v.maxGen[rec.NodeID] && rec.Role == RoleMaster {
			// Stale claim from a node that lost and regained its
			// session; the lease and a higher generation have moved on
			diff.Stale = append(diff.Stale, rec.NodeID)
			v.logger.Warn("ignoring stale master record",
				logging.NodeID(rec.NodeID),
				logging.Generation(rec.Generation),
				logging.Uint64("highest_seen", v.maxGen[rec.NodeID]))
			continue
		}
		if rec.Generation > v.maxGen[rec.NodeID] {
			v.maxGen[rec.NodeID] = rec.Generation
		}

		fresh[rec.NodeID] = rec
		prev, existed := v.records[rec.NodeID]
		if !existed {
			diff.Added = append(diff.Added, rec.NodeID)
		} else if !prev.Equal(rec) {
			diff.Updated = append(diff.Updated, rec.NodeID)
		}
	}

	for id := range v.records {
		if _, still := fresh[id]; !still {
			diff.Removed = append(diff.Removed, id)
		}
	}

	v.records = fresh

	sort.Strings(diff.Added)
	sort.Strings(diff.Updated)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Stale)
	return diff
}

// MarkExpired drops a record whose session the adapter reports expired,
// without waiting for the removal notification. Shortens failover
// latency.
func (v *StateView) MarkExpired(nodeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.records, nodeID)
}

// CurrentMaster returns the record currently published as master
func (v *StateView) CurrentMaster() (*NodeRecord, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, rec := range v.records {
		if rec.Role == RoleMaster {
			return rec.Clone(), true
		}
	}
	return nil, false
}

// Record returns the record for one node id
func (v *StateView) Record(nodeID string) (*NodeRecord, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rec, ok := v.records[nodeID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// LiveReplicas returns the live replica set ordered by replication
// position descending, ties broken by node id ascending
func (v *StateView) LiveReplicas() []NodeRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]NodeRecord, 0, len(v.records))
	for _, rec := range v.records {
		if rec.Role == RoleReplica {
			out = append(out, *rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReplicationPosition != out[j].ReplicationPosition {
			return out[i].ReplicationPosition > out[j].ReplicationPosition
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Len returns the number of live records in the view
func (v *StateView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.records)
}

// HighestGeneration returns the highest generation ever observed for a
// node id, including from records since removed
func (v *StateView) HighestGeneration(nodeID string) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.maxGen[nodeID]
}
