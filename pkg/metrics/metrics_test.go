package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetRoleResetsOthers(t *testing.T) {
	r := NewRegistry()

	r.SetRole("replica")
	r.SetRole("master")

	if got := testutil.ToFloat64(r.Role.WithLabelValues("master")); got != 1 {
		t.Errorf("Expected master gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(r.Role.WithLabelValues("replica")); got != 0 {
		t.Errorf("Expected replica gauge 0 after role change, got %v", got)
	}
	if got := testutil.ToFloat64(r.Role.WithLabelValues("initializing")); got != 0 {
		t.Errorf("Expected initializing gauge 0, got %v", got)
	}
}

func TestRecordDCSOperation(t *testing.T) {
	r := NewRegistry()

	r.RecordDCSOperation("lease_acquire", nil)
	r.RecordDCSOperation("lease_acquire", errors.New("boom"))
	r.RecordDCSOperation("set", nil)

	if got := testutil.ToFloat64(r.DCSOperationsTotal.WithLabelValues("lease_acquire", "ok")); got != 1 {
		t.Errorf("Expected 1 ok lease_acquire, got %v", got)
	}
	if got := testutil.ToFloat64(r.DCSOperationsTotal.WithLabelValues("lease_acquire", "error")); got != 1 {
		t.Errorf("Expected 1 error lease_acquire, got %v", got)
	}
}

func TestRecordBackup(t *testing.T) {
	r := NewRegistry()

	r.RecordBackup("ok", 2*time.Second)
	r.RecordBackup("skipped", 0)

	if got := testutil.ToFloat64(r.BackupsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("Expected 1 ok backup, got %v", got)
	}
	if got := testutil.ToFloat64(r.BackupsTotal.WithLabelValues("skipped")); got != 1 {
		t.Errorf("Expected 1 skipped backup, got %v", got)
	}
	if got := testutil.ToFloat64(r.LastBackupTimestamp); got == 0 {
		t.Error("Expected last backup timestamp to be set")
	}
}

func TestSetHealthy(t *testing.T) {
	r := NewRegistry()

	r.SetHealthy(true)
	if got := testutil.ToFloat64(r.Healthy); got != 1 {
		t.Errorf("Expected healthy gauge 1, got %v", got)
	}
	r.SetHealthy(false)
	if got := testutil.ToFloat64(r.Healthy); got != 0 {
		t.Errorf("Expected healthy gauge 0, got %v", got)
	}
}
