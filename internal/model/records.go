package model

// DiskTemperature is the mean temperature reported for one disk.
type DiskTemperature struct {
	Name        string  `json:"name"`
	Temperature float64 `json:"temperature"`
}

// SnapshotCount is the number of ZFS snapshots held by one pool.
type SnapshotCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// InterfaceStats pairs an interface with its latest realtime counters.
type InterfaceStats struct {
	Name       string         `json:"name"`
	Statistics map[string]any `json:"statistics"`
}

// Health holds booleans derived from raw status enums, keyed by resource id.
type Health struct {
	PoolsOnline     map[string]bool `json:"pools_online"`
	SmartFailing    map[string]bool `json:"smart_failing"`
	LinkUp          map[string]bool `json:"link_up"`
	ServicesRunning map[string]bool `json:"services_running"`
	AppsRunning     map[string]bool `json:"apps_running"`
	VMsRunning      map[string]bool `json:"vms_running"`
	AlertCount      int             `json:"alert_count"`
	CriticalAlerts  int             `json:"critical_alerts"`
	UpdateAvailable bool            `json:"update_available"`
	UpdateVersion   string          `json:"update_version,omitempty"`
}
