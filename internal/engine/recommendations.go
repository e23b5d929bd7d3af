package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dm/truenas-sync/internal/format"
	"github.com/dm/truenas-sync/internal/model"
)

const (
	capacityWarnPercent = 80.0
	capacityCritPercent = 90.0
	diskTempWarnC       = 50.0
	diskTempCritC       = 60.0
)

// CalcRecommendations generates actionable recommendations for the host
// based on the assembled snapshot. Critical entries come first.
// Returns an empty (non-nil) slice when snap is nil.
func CalcRecommendations(snap *model.Snapshot) []model.Recommendation {
	result := []model.Recommendation{}
	if snap == nil {
		return result
	}

	// Pool status. Any state other than ONLINE means missing redundancy or
	// missing data.
	for _, p := range snap.Pools {
		if p.Status == poolOnline || p.Status == "" {
			continue
		}
		result = append(result, model.Recommendation{
			Severity: model.SeverityCritical,
			Category: model.CategoryPoolHealth,
			Title:    fmt.Sprintf("Pool %s is %s", p.Name, p.Status),
			Detail:   fmt.Sprintf("Pool %s reports status %s. Check the pool topology for faulted or missing vdevs.", p.Name, p.Status),
		})
	}

	// Pool capacity.
	for _, p := range snap.Pools {
		if p.Size <= 0 {
			continue
		}
		used := float64(p.Allocated) / float64(p.Size) * 100
		free := fmt.Sprintf("%s free of %s", format.Bytes(p.Size-p.Allocated), format.Bytes(p.Size))
		switch {
		case used > capacityCritPercent:
			result = append(result, model.Recommendation{
				Severity: model.SeverityCritical,
				Category: model.CategoryCapacity,
				Title:    fmt.Sprintf("Pool %s almost full", p.Name),
				Detail:   fmt.Sprintf("Pool %s is at %s capacity (%s). ZFS performance degrades sharply when a pool fills up. Free space or expand the pool.", p.Name, format.Percent(used), free),
			})
		case used > capacityWarnPercent:
			result = append(result, model.Recommendation{
				Severity: model.SeverityWarning,
				Category: model.CategoryCapacity,
				Title:    fmt.Sprintf("High usage on pool %s", p.Name),
				Detail:   fmt.Sprintf("Pool %s is at %s capacity (%s). Plan capacity expansion or prune old snapshots.", p.Name, format.Percent(used), free),
			})
		}
	}

	result = append(result, diskRecs(snap)...)

	if snap.Health.CriticalAlerts > 0 {
		detail := fmt.Sprintf("%d critical alerts are active.", snap.Health.CriticalAlerts)
		if snap.Health.CriticalAlerts == 1 {
			detail = "1 critical alert is active."
		}
		result = append(result, model.Recommendation{
			Severity: model.SeverityWarning,
			Category: model.CategoryAlerts,
			Title:    "Critical alerts active",
			Detail:   detail,
		})
	}

	if snap.Health.UpdateAvailable {
		detail := fmt.Sprintf("A newer release than %s is available.", snap.SystemInfo.Version)
		if v := snap.Health.UpdateVersion; v != "" {
			detail = fmt.Sprintf("Release %s is available (running %s).", v, snap.SystemInfo.Version)
		}
		result = append(result, model.Recommendation{
			Severity: model.SeverityNormal,
			Category: model.CategoryUpdates,
			Title:    "System update available",
			Detail:   detail,
		})
	}

	var upgradable []string
	for _, a := range snap.Apps {
		if a.UpgradeAvailable {
			upgradable = append(upgradable, a.Name)
		}
	}
	if len(upgradable) > 0 {
		sort.Strings(upgradable)
		result = append(result, model.Recommendation{
			Severity: model.SeverityNormal,
			Category: model.CategoryUpdates,
			Title:    "App upgrades available",
			Detail:   fmt.Sprintf("Upgrades are available for: %s.", strings.Join(upgradable, ", ")),
		})
	}

	if len(snap.Degraded) > 0 {
		result = append(result, model.Recommendation{
			Severity: model.SeverityWarning,
			Category: model.CategoryTelemetry,
			Title:    "Telemetry unavailable",
			Detail:   fmt.Sprintf("Could not collect %s this cycle; the values are shown empty.", strings.Join(snap.Degraded, ", ")),
		})
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Severity > result[j].Severity
	})
	return result
}

// diskRecs flags disks with a failing SMART test or a high mean temperature.
func diskRecs(snap *model.Snapshot) []model.Recommendation {
	var recs []model.Recommendation

	failing := make([]string, 0)
	for name, bad := range snap.Health.SmartFailing {
		if bad {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	for _, name := range failing {
		recs = append(recs, model.Recommendation{
			Severity: model.SeverityCritical,
			Category: model.CategoryDiskHealth,
			Title:    fmt.Sprintf("SMART test failed on %s", name),
			Detail:   fmt.Sprintf("The latest SMART self-test of %s did not succeed. Back up affected pools and plan a disk replacement.", name),
		})
	}

	for _, d := range snap.DiskTemperatures {
		switch {
		case d.Temperature > diskTempCritC:
			recs = append(recs, model.Recommendation{
				Severity: model.SeverityCritical,
				Category: model.CategoryDiskHealth,
				Title:    fmt.Sprintf("Disk %s overheating", d.Name),
				Detail:   fmt.Sprintf("Disk %s averages %s. Check cooling immediately.", d.Name, format.Celsius(d.Temperature)),
			})
		case d.Temperature > diskTempWarnC:
			recs = append(recs, model.Recommendation{
				Severity: model.SeverityWarning,
				Category: model.CategoryDiskHealth,
				Title:    fmt.Sprintf("Disk %s running hot", d.Name),
				Detail:   fmt.Sprintf("Disk %s averages %s. Sustained heat shortens disk life.", d.Name, format.Celsius(d.Temperature)),
			})
		}
	}
	return recs
}
