package cluster

import (
	"testing"

	"github.com/dd0wney/cluso-deadman/pkg/dcs"
)

func mustEncode(t *testing.T, rec *NodeRecord) []byte {
	t.Helper()
	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

func TestRefreshDiff(t *testing.T) {
	v := NewStateView(nil)

	diff := v.Refresh(dcs.Snapshot{
		"node-1": mustEncode(t, &NodeRecord{NodeID: "node-1", Role: RoleMaster, Health: HealthHealthy, Generation: 1}),
		"node-2": mustEncode(t, &NodeRecord{NodeID: "node-2", Role: RoleReplica, Health: HealthHealthy}),
	})
	if len(diff.Added) != 2 {
		t.Fatalf("Expected 2 added, got %+v", diff)
	}

	// Update node-2, remove node-1
	diff = v.Refresh(dcs.Snapshot{
		"node-2": mustEncode(t, &NodeRecord{NodeID: "node-2", Role: RoleReplica, Health: HealthUnhealthy, HealthReason: "lag"}),
	})
	if len(diff.Updated) != 1 || diff.Updated[0] != "node-2" {
		t.Errorf("Expected node-2 updated, got %+v", diff)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "node-1" {
		t.Errorf("Expected node-1 removed, got %+v", diff)
	}

	// Identical snapshot produces an empty diff
	diff = v.Refresh(dcs.Snapshot{
		"node-2": mustEncode(t, &NodeRecord{NodeID: "node-2", Role: RoleReplica, Health: HealthUnhealthy, HealthReason: "lag"}),
	})
	if !diff.Empty() {
		t.Errorf("Expected empty diff for identical snapshot, got %+v", diff)
	}
}

func TestCurrentMaster(t *testing.T) {
	v := NewStateView(nil)

	if _, ok := v.CurrentMaster(); ok {
		t.Error("Expected no master in empty view")
	}

	v.Refresh(dcs.Snapshot{
		"node-1": mustEncode(t, &NodeRecord{NodeID: "node-1", Role: RoleMaster, Health: HealthHealthy, Generation: 2}),
		"node-2": mustEncode(t, &NodeRecord{NodeID: "node-2", Role: RoleReplica, Health: HealthHealthy}),
	})

	master, ok := v.CurrentMaster()
	if !ok || master.NodeID != "node-1" {
		t.Errorf("Expected master node-1, got %+v %v", master, ok)
	}
}

func TestLiveReplicasOrdering(t *testing.T) {
	v := NewStateView(nil)

	v.Refresh(dcs.Snapshot{
		"node-a": mustEncode(t, &NodeRecord{NodeID: "node-a", Role: RoleReplica, Health: HealthHealthy, ReplicationPosition: 100}),
		"node-b": mustEncode(t, &NodeRecord{NodeID: "node-b", Role: RoleReplica, Health: HealthHealthy, ReplicationPosition: 300}),
		"node-c": mustEncode(t, &NodeRecord{NodeID: "node-c", Role: RoleReplica, Health: HealthHealthy, ReplicationPosition: 100}),
		"node-m": mustEncode(t, &NodeRecord{NodeID: "node-m", Role: RoleMaster, Health: HealthHealthy, Generation: 1}),
	})

	replicas := v.LiveReplicas()
	if len(replicas) != 3 {
		t.Fatalf("Expected 3 replicas, got %d", len(replicas))
	}
	// Position desc, then node id asc for the tie at 100
	want := []string{"node-b", "node-a", "node-c"}
	for i, id := range want {
		if replicas[i].NodeID != id {
			t.Errorf("Expected replica %d to be %s, got %s", i, id, replicas[i].NodeID)
		}
	}
}

func TestStaleMasterFenced(t *testing.T) {
	v := NewStateView(nil)

	// Generation 3 master observed
	v.Refresh(dcs.Snapshot{
		"node-1": mustEncode(t, &NodeRecord{NodeID: "node-1", Role: RoleMaster, Health: HealthHealthy, Generation: 3}),
	})

	// node-1 reconnects claiming master at a stale generation
	diff := v.Refresh(dcs.Snapshot{
		"node-1": mustEncode(t, &NodeRecord{NodeID: "node-1", Role: RoleMaster, Health: HealthHealthy, Generation: 2}),
		"node-2": mustEncode(t, &NodeRecord{NodeID: "node-2", Role: RoleMaster, Health: HealthHealthy, Generation: 4}),
	})

	if len(diff.Stale) != 1 || diff.Stale[0] != "node-1" {
		t.Errorf("Expected node-1 flagged stale, got %+v", diff)
	}

	master, ok := v.CurrentMaster()
	if !ok || master.NodeID != "node-2" {
		t.Errorf("Expected node-2 as master, got %+v %v", master, ok)
	}
	if _, ok := v.Record("node-1"); ok {
		t.Error("Expected stale node-1 record to be dropped from the view")
	}
}

func TestMarkExpired(t *testing.T) {
	v := NewStateView(nil)

	v.Refresh(dcs.Snapshot{
		"node-1": mustEncode(t, &NodeRecord{NodeID: "node-1", Role: RoleMaster, Health: HealthHealthy, Generation: 1}),
	})
	v.MarkExpired("node-1")

	if _, ok := v.CurrentMaster(); ok {
		t.Error("Expected no master after MarkExpired")
	}
	if v.Len() != 0 {
		t.Errorf("Expected empty view, got %d records", v.Len())
	}
}

func TestUndecodableRecordSkipped(t *testing.T) {
	v := NewStateView(nil)

	diff := v.Refresh(dcs.Snapshot{
		"bad":    []byte("{not json"),
		"node-1": mustEncode(t, &NodeRecord{NodeID: "node-1", Role: RoleReplica, Health: HealthHealthy}),
	})
	if len(diff.Added) != 1 || diff.Added[0] != "node-1" {
		t.Errorf("Expected only node-1 added, got %+v", diff)
	}
}

func TestRoleJSONRoundTrip(t *testing.T) {
	rec := &NodeRecord{
		NodeID:     "node-1",
		Role:       RoleMaster,
		Health:     HealthHealthy,
		Generation: 7,
		Tags:       map[string]string{"volume": "vol-123"},
	}
	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := DecodeNodeRecord(data)
	if err != nil {
		t.Fatalf("DecodeNodeRecord failed: %v", err)
	}
	if !got.Equal(rec) {
		t.Errorf("Round trip mismatch: %+v != %+v", got, rec)
	}

	if _, err := DecodeNodeRecord([]byte(`{"node_id":"x","role":"emperor"}`)); err == nil {
		t.Error("Expected error for unknown role")
	}
}
