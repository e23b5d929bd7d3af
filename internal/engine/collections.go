package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dm/truenas-sync/internal/client"
	"github.com/dm/truenas-sync/internal/model"
)

// Transform turns the raw result of a collection call into the generic value
// stored in the snapshot, binding typed snapshot fields on the way.
// A nil Transform stores the decoded JSON as is.
type Transform func(raw json.RawMessage, snap *model.Snapshot) (any, error)

// Collection describes one remote call issued on every refresh.
//
// Required collections fail the whole refresh when their call fails.
// Best-effort collections degrade to an empty list instead. Transforms of
// required collections run before those of best-effort ones, so a best-effort
// transform may read typed fields bound by any required collection.
type Collection struct {
	Name      string `validate:"required"`
	Method    string `validate:"required"`
	Params    []any
	Required  bool
	Transform Transform
}

// Derived computes a collection from the already assembled snapshot.
// Derived values are never fetched and never fail.
type Derived struct {
	Name    string
	Compute func(snap *model.Snapshot) any
}

// bootPools are excluded from the snapshot count query.
var bootPools = []string{"boot-pool", "freenas-boot"}

// DefaultCollections returns the collections tracked for a TrueNAS host.
func DefaultCollections() []Collection {
	snapshotFilter := make([]any, 0, len(bootPools))
	for _, p := range bootPools {
		snapshotFilter = append(snapshotFilter, []any{"pool", "!=", p})
	}

	return []Collection{
		{Name: "system_infos", Method: "system.info", Required: true,
			Transform: bind(func(s *model.Snapshot) any { return &s.SystemInfo })},
		{Name: "pools", Method: "pool.query", Required: true,
			Transform: bind(func(s *model.Snapshot) any { return &s.Pools })},
		{Name: "datasets", Method: "pool.dataset.details", Required: true},
		{Name: "disks", Method: "disk.details", Required: true,
			Transform: bind(func(s *model.Snapshot) any { return &s.Disks })},
		{Name: "interfaces", Method: "interface.query", Required: true,
			Transform: transformInterfaces},
		{Name: "services", Method: "service.query", Required: true,
			Transform: bind(func(s *model.Snapshot) any { return &s.Services })},
		{Name: "apps", Method: "app.query", Required: true,
			Transform: bind(func(s *model.Snapshot) any { return &s.Apps })},
		{Name: "virtualmachines", Method: "virt.instance.query", Required: true,
			Transform: bind(func(s *model.Snapshot) any { return &s.VirtualMachines })},
		{Name: "cloudsync", Method: "cloudsync.query", Required: true},
		{Name: "replications", Method: "replication.query", Required: true},
		{Name: "snapshottasks", Method: "pool.snapshottask.query", Required: true},
		{Name: "rsynctasks", Method: "rsynctask.query", Required: true},
		{Name: "smartdisks", Method: "smart.test.results", Required: true,
			Transform: bind(func(s *model.Snapshot) any { return &s.SmartDisks })},
		{Name: "alerts", Method: "alert.list", Required: true,
			Transform: bind(func(s *model.Snapshot) any { return &s.Alerts })},
		{Name: "update_available", Method: "update.check_available", Required: true},
		{Name: "update_infos", Method: "update.get_pending", Required: true},

		{Name: "snapshots", Method: "zfs.snapshot.query",
			Params: []any{
				snapshotFilter,
				map[string]any{"select": []string{"dataset", "snapshot_name", "pool"}},
			},
			Transform: transformSnapshotCounts},
		{Name: "disktemps", Method: "reporting.netdata_graph",
			Params:    []any{"disktemp"},
			Transform: transformDiskTemperatures},
	}
}

// DefaultDerived returns the collections computed after every fetch.
func DefaultDerived() []Derived {
	return []Derived{
		{Name: "netstats", Compute: func(s *model.Snapshot) any {
			s.NetStats = CalcInterfaceStats(s.Interfaces, s.Live())
			return toTree(s.NetStats)
		}},
		{Name: "health", Compute: func(s *model.Snapshot) any {
			s.Health = CalcHealth(s)
			return toTree(s.Health)
		}},
		{Name: "recommendations", Compute: func(s *model.Snapshot) any {
			s.Recommendations = CalcRecommendations(s)
			return toTree(s.Recommendations)
		}},
	}
}

// bind decodes the raw result into the snapshot field returned by field and
// stores the generic form.
func bind(field func(*model.Snapshot) any) Transform {
	return func(raw json.RawMessage, snap *model.Snapshot) (any, error) {
		if err := json.Unmarshal(raw, field(snap)); err != nil {
			return nil, err
		}
		return decodeGeneric(raw)
	}
}

// transformInterfaces drops interfaces whose name contains "mac" (macvlan
// helpers created by the app runtime) before binding.
func transformInterfaces(raw json.RawMessage, snap *model.Snapshot) (any, error) {
	var all []client.Interface
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	var generic []any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	kept := make([]any, 0, len(generic))
	snap.Interfaces = make([]client.Interface, 0, len(all))
	for i, iface := range all {
		if strings.Contains(iface.Name, "mac") {
			continue
		}
		snap.Interfaces = append(snap.Interfaces, iface)
		kept = append(kept, generic[i])
	}
	return kept, nil
}

func transformSnapshotCounts(raw json.RawMessage, snap *model.Snapshot) (any, error) {
	var snaps []client.ZFSSnapshot
	if err := json.Unmarshal(raw, &snaps); err != nil {
		return nil, err
	}
	snap.SnapshotCounts = CalcSnapshotCounts(snaps)
	return toTree(snap.SnapshotCounts), nil
}

func transformDiskTemperatures(raw json.RawMessage, snap *model.Snapshot) (any, error) {
	var graphs []client.DiskTempGraph
	if err := json.Unmarshal(raw, &graphs); err != nil {
		return nil, err
	}
	snap.DiskTemperatures = CalcDiskTemperatures(snap.Disks, graphs)
	return toTree(snap.DiskTemperatures), nil
}

func decodeGeneric(raw json.RawMessage) (any, error) {
	var v any
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// toTree converts a typed value into the generic map/slice form addressed by
// dotted paths.
func toTree(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("engine: toTree: %v", err))
	}
	out, _ := decodeGeneric(b)
	return out
}
