package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AlertKind enumerates operator alert categories.
type AlertKind string

const (
	AlertConnIssue     AlertKind = "conn-issue"
	AlertOrphan        AlertKind = "orphan-detected"
	AlertDailyLimit    AlertKind = "daily-limit-reached"
	AlertPhaseUpgrade  AlertKind = "phase-upgraded"
	AlertEmergencyStop AlertKind = "emergency-stop"
	AlertConfigError   AlertKind = "config-error"
	AlertSymbolUnknown AlertKind = "symbol-unknown"
)

// Alert is a structured operator notification rendered to a single line of
// text before delivery.
type Alert struct {
	Kind    AlertKind
	RouteID string
	Message string
	Fields  map[string]string
	At      time.Time
}

// Render flattens the alert to one line: kind, message, then sorted
// key=value fields.
func (a Alert) Render() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(a.Kind))
	b.WriteString("] ")
	b.WriteString(a.Message)
	if len(a.Fields) > 0 {
		keys := make([]string, 0, len(a.Fields))
		for k := range a.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, a.Fields[k])
		}
	}
	return b.String()
}
