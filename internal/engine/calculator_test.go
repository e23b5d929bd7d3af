package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm/truenas-sync/internal/client"
	"github.com/dm/truenas-sync/internal/model"
)

func TestRound2(t *testing.T) {
	cases := []struct {
		name  string
		input float64
		want  float64
	}{
		{"zero", 0, 0},
		{"already rounded", 41.5, 41.5},
		{"round down", 41.454, 41.45},
		{"round up", 41.456, 41.46},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, round2(tc.input), 1e-9)
		})
	}
}

func TestDiskIDFromGraph(t *testing.T) {
	cases := []struct {
		name       string
		identifier string
		want       string
	}{
		{"three segments", "disktemp|temp|{serial}S1", "{serial}S1"},
		{"trims spaces", "disktemp|temp| sda ", "sda"},
		{"two segments", "disktemp|sda", ""},
		{"four segments", "a|b|c|d", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, diskIDFromGraph(tc.identifier))
		})
	}
}

func TestCalcSnapshotCounts(t *testing.T) {
	snaps := []client.ZFSSnapshot{
		{Pool: "tank", Dataset: "tank/a"},
		{Pool: "backup", Dataset: "backup/a"},
		{Pool: "tank", Dataset: "tank/b"},
		{Pool: "tank", Dataset: "tank/b"},
	}
	got := CalcSnapshotCounts(snaps)
	assert.Equal(t, []model.SnapshotCount{
		{Name: "backup", Count: 1},
		{Name: "tank", Count: 3},
	}, got)
}

func TestCalcSnapshotCounts_Empty(t *testing.T) {
	got := CalcSnapshotCounts(nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func makeGraph(identifier string, mean map[string]any) client.DiskTempGraph {
	var g client.DiskTempGraph
	g.Identifier = identifier
	g.Aggregations.Mean = mean
	return g
}

func TestCalcDiskTemperatures(t *testing.T) {
	disks := client.DiskDetails{
		Used:   []client.Disk{{Identifier: "{serial}S1", Name: "sda"}},
		Unused: []client.Disk{{Identifier: "{serial}S2", Name: "sdb"}},
	}
	graphs := []client.DiskTempGraph{
		makeGraph("disktemp|temp|{serial}S1", map[string]any{"temperature_value": 38.123}),
		makeGraph("disktemp|temp|{serial}S2", nil),
		makeGraph("disktemp|temp|{serial}S9", map[string]any{"temperature_value": 50.0}),
		makeGraph("malformed", map[string]any{"temperature_value": 50.0}),
	}

	got := CalcDiskTemperatures(disks, graphs)
	assert.Equal(t, []model.DiskTemperature{
		{Name: "sda", Temperature: 38.12},
		{Name: "sdb", Temperature: 0},
	}, got)
}

func TestCalcInterfaceStats(t *testing.T) {
	ifaces := []client.Interface{{Name: "eno1"}, {Name: "eno2"}}

	t.Run("no live state", func(t *testing.T) {
		got := CalcInterfaceStats(ifaces, nil)
		assert.Equal(t, []model.InterfaceStats{
			{Name: "eno1", Statistics: map[string]any{}},
			{Name: "eno2", Statistics: map[string]any{}},
		}, got)
	})

	t.Run("with realtime counters", func(t *testing.T) {
		live := model.NewLiveState("")
		live.Apply(client.Event{Collection: "reporting.realtime", Op: client.OpChanged, Fields: map[string]any{
			"interfaces": map[string]any{
				"eno1": map[string]any{"sent_bytes_rate": 5.0},
				"eno2": "garbage",
			},
		}})
		got := CalcInterfaceStats(ifaces, live)
		assert.Equal(t, map[string]any{"sent_bytes_rate": 5.0}, got[0].Statistics)
		assert.Equal(t, map[string]any{}, got[1].Statistics)
	})
}

func TestCalcHealth(t *testing.T) {
	snap := model.NewSnapshot(time.Now(), nil)
	snap.Pools = []client.Pool{{Name: "tank", Status: "ONLINE"}, {Name: "cold", Status: "OFFLINE"}}
	snap.SmartDisks = []client.SmartTestResult{
		{Name: "sda", Tests: []client.SmartTest{{Status: "SUCCESS"}, {Status: "FAILED"}}},
		{Name: "sdb", Tests: []client.SmartTest{{Status: "FAILED"}}},
		{Name: "sdc"},
	}
	snap.Interfaces = []client.Interface{
		{Name: "eno1", State: client.InterfaceState{LinkState: "LINK_STATE_UP"}},
		{Name: "eno2", State: client.InterfaceState{LinkState: "LINK_STATE_DOWN"}},
	}
	snap.Services = []client.Service{{Service: "ssh", State: "RUNNING"}, {Service: "nfs", State: "STOPPED"}}
	snap.Apps = []client.App{{Name: "plex", State: "RUNNING"}, {Name: "immich", State: "DEPLOYING"}, {Name: "old", State: "STOPPED"}}
	snap.VirtualMachines = []client.VirtualMachine{{Name: "vm1", Status: "STOPPED"}}
	snap.Alerts = []client.Alert{
		{ID: "a1", Level: "INFO"},
		{ID: "a2", Level: "CRITICAL"},
		{ID: "a3", Level: "EMERGENCY", Dismissed: true},
	}
	snap.Set("update_available", map[string]any{"status": "AVAILABLE", "version": "25.04.1"})

	h := CalcHealth(snap)
	assert.Equal(t, map[string]bool{"tank": true, "cold": false}, h.PoolsOnline)
	assert.Equal(t, map[string]bool{"sda": false, "sdb": true, "sdc": false}, h.SmartFailing)
	assert.Equal(t, map[string]bool{"eno1": true, "eno2": false}, h.LinkUp)
	assert.Equal(t, map[string]bool{"ssh": true, "nfs": false}, h.ServicesRunning)
	assert.Equal(t, map[string]bool{"plex": true, "immich": true, "old": false}, h.AppsRunning)
	assert.Equal(t, map[string]bool{"vm1": false}, h.VMsRunning)
	assert.Equal(t, 2, h.AlertCount)
	assert.Equal(t, 1, h.CriticalAlerts)
	assert.True(t, h.UpdateAvailable)
	assert.Equal(t, "25.04.1", h.UpdateVersion)
}

func TestCalcHealth_Nil(t *testing.T) {
	assert.Equal(t, model.Health{}, CalcHealth(nil))
}

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestCalcHealth_UpdateStatus(t *testing.T) {
	cases := []struct {
		name    string
		value   any
		want    bool
		version string
	}{
		{"available", decode(t, `{"status":"AVAILABLE","version":"25.04.1","changes":[]}`), true, "25.04.1"},
		{"unavailable", decode(t, `{"status":"UNAVAILABLE"}`), false, ""},
		{"reboot required", decode(t, `{"status":"REBOOT_REQUIRED"}`), false, ""},
		{"legacy bool", true, true, ""},
		{"garbage", "AVAILABLE", false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := model.NewSnapshot(time.Now(), nil)
			snap.Set("update_available", tc.value)
			h := CalcHealth(snap)
			assert.Equal(t, tc.want, h.UpdateAvailable)
			assert.Equal(t, tc.version, h.UpdateVersion)
		})
	}
}

func TestCalcDiskTemperatures_NullMean(t *testing.T) {
	disks := client.DiskDetails{Used: []client.Disk{{Identifier: "{serial}S1", Name: "sda"}}}
	var graphs []client.DiskTempGraph
	require.NoError(t, json.Unmarshal([]byte(`[
		{"identifier": "disktemp|temp|{serial}S1", "aggregations": {"mean": {"temperature_value": null}}}
	]`), &graphs))

	assert.Equal(t, []model.DiskTemperature{{Name: "sda", Temperature: 0}}, CalcDiskTemperatures(disks, graphs))
}

func TestCalcHealth_UpdateAvailableMissing(t *testing.T) {
	snap := model.NewSnapshot(time.Now(), nil)
	assert.False(t, CalcHealth(snap).UpdateAvailable)
}
