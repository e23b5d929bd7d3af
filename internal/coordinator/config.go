package coordinator

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/dm/truenas-sync/internal/engine"
)

const (
	defaultInterval    = 60 * time.Second
	defaultRefreshRate = 2 * time.Second
	minRefreshTimeout  = 500 * time.Millisecond
)

// DefaultLiveTopics are subscribed by StartLiveChannel when Config.LiveTopics
// is nil.
var DefaultLiveTopics = []string{"reporting.realtime", "alert.list"}

// DefaultSeedTopics are queried once when the live channel starts so that
// ADDED and REMOVED events have a base list to patch.
var DefaultSeedTopics = []string{"alert.list"}

// Config holds coordinator settings. Zero values select defaults.
type Config struct {
	// Interval between scheduled refreshes. Default 60s.
	Interval time.Duration `validate:"gte=0"`
	// RefreshTimeout bounds one refresh. Default Interval-500ms, at least 500ms.
	RefreshTimeout time.Duration `validate:"gte=0"`
	// Collections fetched on every refresh. Nil selects
	// engine.DefaultCollections and engine.DefaultDerived.
	Collections []engine.Collection `validate:"dive"`
	Derived     []engine.Derived    `validate:"-"`

	// LiveTopics subscribed by StartLiveChannel. Nil selects DefaultLiveTopics.
	LiveTopics []string `validate:"dive,required"`
	// SeedTopics are called as methods to seed list-shaped live collections.
	SeedTopics []string `validate:"dive,required"`
	// IDField identifies records in list-shaped live collections.
	IDField string
	// NotifyOnPatch delivers the current snapshot to subscribers after every
	// live patch, not only after full refreshes.
	NotifyOnPatch bool

	// RefreshRate is the minimum spacing of refreshes queued by
	// RequestRefresh. Default 2s.
	RefreshRate time.Duration `validate:"gte=0"`
	// HistorySize is the number of refresh outcomes kept. Default 60.
	HistorySize int `validate:"gte=0"`

	Logger logrus.FieldLogger `validate:"-"`
	// Registerer receives the sync metrics; prometheus.DefaultRegisterer
	// when nil, matching the default gatherer served by the api package.
	Registerer prometheus.Registerer `validate:"-"`
	// OnReauthRequired is called once each time the coordinator enters the
	// needs-reauth state.
	OnReauthRequired func(err error) `validate:"-"`
}

var validate = validator.New()

func (cfg Config) withDefaults() Config {
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = max(cfg.Interval-minRefreshTimeout, minRefreshTimeout)
	}
	if cfg.Collections == nil {
		cfg.Collections = engine.DefaultCollections()
		if cfg.Derived == nil {
			cfg.Derived = engine.DefaultDerived()
		}
	}
	if cfg.LiveTopics == nil {
		cfg.LiveTopics = DefaultLiveTopics
	}
	if cfg.SeedTopics == nil {
		cfg.SeedTopics = DefaultSeedTopics
	}
	if cfg.RefreshRate == 0 {
		cfg.RefreshRate = defaultRefreshRate
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	return cfg
}

// Validate checks the config after defaults are applied.
func (cfg Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid coordinator config: %w", err)
	}
	seen := make(map[string]bool, len(cfg.Collections)+len(cfg.Derived))
	for _, col := range cfg.Collections {
		if seen[col.Name] {
			return fmt.Errorf("invalid coordinator config: duplicate collection %q", col.Name)
		}
		seen[col.Name] = true
	}
	for _, d := range cfg.Derived {
		if d.Name == "" || d.Compute == nil {
			return fmt.Errorf("invalid coordinator config: derived collection needs a name and a Compute func")
		}
		if seen[d.Name] {
			return fmt.Errorf("invalid coordinator config: duplicate collection %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}
