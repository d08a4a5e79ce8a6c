package domain

import "time"

// OrphanReason explains why a destination position was classified orphan.
type OrphanReason string

const (
	// OrphanSourceClosed: the mapping exists but the mapped source position
	// no longer exists on the source account.
	OrphanSourceClosed OrphanReason = "source-closed"
	// OrphanNoMapping: no active mapping covers the destination position.
	OrphanNoMapping OrphanReason = "no-mapping"
)

// Orphan is a destination position left without a valid active mapping.
type Orphan struct {
	RouteID     string       `json:"routeId"`
	RouteName   string       `json:"routeName"`
	DestAccount string       `json:"destAccount"`
	Position    Position     `json:"position"`
	Reason      OrphanReason `json:"reason"`
	DetectedAt  time.Time    `json:"detectedAt"`
}
