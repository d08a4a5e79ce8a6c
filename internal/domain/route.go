package domain

import "time"

// NotifyPrefs selects which alert kinds a route forwards to the chat sink.
type NotifyPrefs struct {
	ConnIssues  bool `json:"connIssues"`
	Orphans     bool `json:"orphans"`
	RiskEvents  bool `json:"riskEvents"`
	PhaseEvents bool `json:"phaseEvents"`
}

// AllNotifications is the default preference set: every category on.
func AllNotifications() NotifyPrefs {
	return NotifyPrefs{ConnIssues: true, Orphans: true, RiskEvents: true, PhaseEvents: true}
}

// Allows reports whether the preferences admit the given alert kind. Kinds
// with no matching category (config errors, unknown symbols) always pass.
func (p NotifyPrefs) Allows(k AlertKind) bool {
	switch k {
	case AlertConnIssue:
		return p.ConnIssues
	case AlertOrphan:
		return p.Orphans
	case AlertDailyLimit, AlertEmergencyStop:
		return p.RiskEvents
	case AlertPhaseUpgrade:
		return p.PhaseEvents
	default:
		return true
	}
}

// Route is the unit of supervision: one source account mirrored into one
// destination account under a rule set. Immutable at runtime; changes go
// through config reload.
type Route struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Source        AccountRef  `json:"source"`
	Destination   AccountRef  `json:"destination"`
	RuleSet       string      `json:"ruleSet"`
	Enabled       bool        `json:"enabled"`
	AutoClose     bool        `json:"autoClose"`
	Notifications NotifyPrefs `json:"notifications"`
}

// PipelineState is the lifecycle state of a route's copy pipeline.
type PipelineState string

const (
	PipelineStarting PipelineState = "starting"
	PipelineSyncing  PipelineState = "syncing"
	PipelineRunning  PipelineState = "running"
	PipelineDegraded PipelineState = "degraded"
	PipelineStopped  PipelineState = "stopped"
)

// RouteStatus is the live view of a route exposed on the operator surface.
type RouteStatus struct {
	Route        Route         `json:"route"`
	State        PipelineState `json:"state"`
	ActiveCopies int           `json:"activeCopies"`
	Restarts     int           `json:"restarts"`
	LastEventAt  time.Time     `json:"lastEventAt,omitempty"`
	StartedAt    time.Time     `json:"startedAt,omitempty"`
}
