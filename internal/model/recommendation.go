package model

// RecommendationSeverity indicates the urgency level of a recommendation.
type RecommendationSeverity int

const (
	SeverityNormal RecommendationSeverity = iota
	SeverityWarning
	SeverityCritical
)

func (s RecommendationSeverity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "normal"
	}
}

func (s RecommendationSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RecommendationCategory groups related recommendations.
type RecommendationCategory int

const (
	CategoryPoolHealth RecommendationCategory = iota
	CategoryCapacity
	CategoryDiskHealth
	CategoryAlerts
	CategoryUpdates
	CategoryTelemetry
)

func (c RecommendationCategory) String() string {
	switch c {
	case CategoryCapacity:
		return "capacity"
	case CategoryDiskHealth:
		return "disk_health"
	case CategoryAlerts:
		return "alerts"
	case CategoryUpdates:
		return "updates"
	case CategoryTelemetry:
		return "telemetry"
	default:
		return "pool_health"
	}
}

func (c RecommendationCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Recommendation is a single actionable suggestion derived from host state.
type Recommendation struct {
	Severity RecommendationSeverity `json:"severity"`
	Category RecommendationCategory `json:"category"`
	Title    string                 `json:"title"`
	Detail   string                 `json:"detail"`
}
