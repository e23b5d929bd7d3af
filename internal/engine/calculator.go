package engine

import (
	"math"
	"sort"
	"strings"

	"github.com/dm/truenas-sync/internal/client"
	"github.com/dm/truenas-sync/internal/lookup"
	"github.com/dm/truenas-sync/internal/model"
)

const (
	poolOnline     = "ONLINE"
	linkStateUp    = "LINK_STATE_UP"
	stateRunning   = "RUNNING"
	stateStopped   = "STOPPED"
	smartSuccess   = "SUCCESS"
	tempMeanKey    = "temperature_value"
	updateReady    = "AVAILABLE"
	diskIDSegments = 3
)

// criticalLevels are the alert levels counted in Health.CriticalAlerts.
var criticalLevels = map[string]bool{
	"CRITICAL":  true,
	"ALERT":     true,
	"EMERGENCY": true,
}

// round2 rounds f to two decimal places.
func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// diskIDFromGraph extracts the disk identifier from a netdata series
// identifier of the form "<prefix>|<type>|<disk identifier>". It returns ""
// when the identifier does not have exactly three segments.
func diskIDFromGraph(identifier string) string {
	parts := strings.Split(identifier, "|")
	if len(parts) != diskIDSegments {
		return ""
	}
	return strings.TrimSpace(parts[2])
}

// CalcSnapshotCounts groups ZFS snapshots by pool, sorted by pool name.
func CalcSnapshotCounts(snaps []client.ZFSSnapshot) []model.SnapshotCount {
	counts := make(map[string]int)
	for _, s := range snaps {
		counts[s.Pool]++
	}

	out := make([]model.SnapshotCount, 0, len(counts))
	for pool, n := range counts {
		out = append(out, model.SnapshotCount{Name: pool, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CalcDiskTemperatures joins disk temperature series to disks by identifier.
// Series that match no known disk are dropped; a series without a mean
// temperature reports 0.
func CalcDiskTemperatures(disks client.DiskDetails, graphs []client.DiskTempGraph) []model.DiskTemperature {
	byID := make(map[string]client.Disk)
	for _, d := range disks.All() {
		byID[d.Identifier] = d
	}

	out := make([]model.DiskTemperature, 0, len(graphs))
	for _, g := range graphs {
		id := diskIDFromGraph(g.Identifier)
		if id == "" {
			continue
		}
		disk, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, model.DiskTemperature{
			Name:        disk.Name,
			Temperature: round2(lookup.Float(g.Aggregations.Mean, tempMeanKey, 0)),
		})
	}
	return out
}

// CalcInterfaceStats pairs every interface with its realtime counters from
// the live "reporting_realtime.interfaces" sub-tree. Interfaces without
// counters (or with no live state at all) get an empty statistics map.
func CalcInterfaceStats(ifaces []client.Interface, live *model.LiveState) []model.InterfaceStats {
	var counters map[string]any
	if live != nil {
		counters, _ = live.Get("reporting_realtime.interfaces", nil).(map[string]any)
	}

	out := make([]model.InterfaceStats, 0, len(ifaces))
	for _, iface := range ifaces {
		stats, ok := counters[iface.Name].(map[string]any)
		if !ok {
			stats = map[string]any{}
		}
		out = append(out, model.InterfaceStats{Name: iface.Name, Statistics: stats})
	}
	return out
}

// CalcHealth derives per-resource health booleans from the raw status enums
// of the typed snapshot fields.
func CalcHealth(snap *model.Snapshot) model.Health {
	if snap == nil {
		return model.Health{}
	}

	h := model.Health{
		PoolsOnline:     make(map[string]bool, len(snap.Pools)),
		SmartFailing:    make(map[string]bool, len(snap.SmartDisks)),
		LinkUp:          make(map[string]bool, len(snap.Interfaces)),
		ServicesRunning: make(map[string]bool, len(snap.Services)),
		AppsRunning:     make(map[string]bool, len(snap.Apps)),
		VMsRunning:      make(map[string]bool, len(snap.VirtualMachines)),
	}

	for _, p := range snap.Pools {
		h.PoolsOnline[p.Name] = p.Status == poolOnline
	}
	// Tests are listed newest first; only the latest result counts.
	for _, d := range snap.SmartDisks {
		h.SmartFailing[d.Name] = len(d.Tests) > 0 && d.Tests[0].Status != smartSuccess
	}
	for _, iface := range snap.Interfaces {
		h.LinkUp[iface.Name] = iface.State.LinkState == linkStateUp
	}
	// Services and apps count as running in any transitional state
	// (DEPLOYING, CRASHED, ...) other than STOPPED.
	for _, s := range snap.Services {
		h.ServicesRunning[s.Service] = s.State != "" && s.State != stateStopped
	}
	for _, a := range snap.Apps {
		h.AppsRunning[a.Name] = a.State != "" && a.State != stateStopped
	}
	for _, vm := range snap.VirtualMachines {
		h.VMsRunning[vm.Name] = vm.Status == stateRunning
	}
	for _, a := range snap.Alerts {
		if a.Dismissed {
			continue
		}
		h.AlertCount++
		if criticalLevels[a.Level] {
			h.CriticalAlerts++
		}
	}
	h.UpdateAvailable, h.UpdateVersion = updateStatus(snap.Get("update_available", nil))
	return h
}

// updateStatus reads the update.check_available result. Newer middleware
// returns {"status": "AVAILABLE", "version": ...}; a bare bool is accepted
// as well.
func updateStatus(v any) (bool, string) {
	if b, ok := v.(bool); ok {
		return b, ""
	}
	return lookup.String(v, "status", "") == updateReady, lookup.String(v, "version", "")
}
