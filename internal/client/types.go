package client

// SystemInfo is the result of system.info.
type SystemInfo struct {
	Version            string    `json:"version"`
	Hostname           string    `json:"hostname"`
	UptimeSeconds      float64   `json:"uptime_seconds"`
	SystemProduct      string    `json:"system_product"`
	SystemManufacturer string    `json:"system_manufacturer"`
	Loadavg            []float64 `json:"loadavg"`
	PhysMem            int64     `json:"physmem"`
	Cores              int       `json:"cores"`
}

// Pool is one entry of pool.query.
type Pool struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	GUID      string `json:"guid"`
	Path      string `json:"path"`
	Status    string `json:"status"`
	Healthy   bool   `json:"healthy"`
	Size      int64  `json:"size"`
	Allocated int64  `json:"allocated"`
	Free      int64  `json:"free"`
}

// Disk is one entry of disk.details.
type Disk struct {
	Identifier    string `json:"identifier"`
	Name          string `json:"name"`
	Serial        string `json:"serial"`
	Model         string `json:"model"`
	Type          string `json:"type"`
	Size          int64  `json:"size"`
	ImportedZpool string `json:"imported_zpool,omitempty"`
}

// DiskDetails is the result of disk.details, split by pool membership.
type DiskDetails struct {
	Used   []Disk `json:"used"`
	Unused []Disk `json:"unused"`
}

// All returns used then unused disks.
func (d DiskDetails) All() []Disk {
	out := make([]Disk, 0, len(d.Used)+len(d.Unused))
	out = append(out, d.Used...)
	return append(out, d.Unused...)
}

// Interface is one entry of interface.query.
type Interface struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	MTU   int            `json:"mtu"`
	State InterfaceState `json:"state"`
}

// InterfaceState holds the link fields of an interface.
type InterfaceState struct {
	LinkState           string `json:"link_state"`
	MediaType           string `json:"media_type"`
	HardwareLinkAddress string `json:"hardware_link_address"`
}

// Service is one entry of service.query.
type Service struct {
	ID      int    `json:"id"`
	Service string `json:"service"`
	Enable  bool   `json:"enable"`
	State   string `json:"state"`
}

// App is one entry of app.query.
type App struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	State            string `json:"state"`
	Version          string `json:"version"`
	UpgradeAvailable bool   `json:"upgrade_available"`
}

// VirtualMachine is one entry of virt.instance.query.
type VirtualMachine struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Autostart bool   `json:"autostart"`
}

// Alert is one entry of alert.list.
type Alert struct {
	ID        string `json:"id"`
	UUID      string `json:"uuid"`
	Level     string `json:"level"`
	Klass     string `json:"klass"`
	Formatted string `json:"formatted"`
	Dismissed bool   `json:"dismissed"`
}

// SmartTestResult is one entry of smart.test.results.
type SmartTestResult struct {
	Name   string      `json:"name"`
	Serial string      `json:"serial"`
	Model  string      `json:"model"`
	Tests  []SmartTest `json:"tests"`
}

// SmartTest is a single SMART self-test record, newest first.
type SmartTest struct {
	Num         int    `json:"num"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// ZFSSnapshot is one entry of zfs.snapshot.query with the field selection
// used by the poller.
type ZFSSnapshot struct {
	Dataset      string `json:"dataset"`
	SnapshotName string `json:"snapshot_name"`
	Pool         string `json:"pool"`
}

// DiskTempGraph is one series of reporting.netdata_graph("disktemp").
type DiskTempGraph struct {
	Identifier   string `json:"identifier"`
	Aggregations struct {
		Mean map[string]any `json:"mean"`
	} `json:"aggregations"`
}
