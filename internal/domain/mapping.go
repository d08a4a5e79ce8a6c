package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MappingStatus tracks the lifecycle of a source→destination link.
type MappingStatus string

const (
	MappingActive   MappingStatus = "active"
	MappingClosed   MappingStatus = "closed"
	MappingOrphaned MappingStatus = "orphaned"
)

// Mapping links a source position to the destination position opened to
// mirror it. Exactly one active mapping may exist per
// (SourceAccount, SourcePosition); closed mappings are retained for audit.
type Mapping struct {
	SourceAccount  string          `json:"sourceAccount"`
	SourcePosition string          `json:"sourcePosition"`
	DestAccount    string          `json:"destAccount"`
	DestPosition   string          `json:"destPosition"`
	RouteID        string          `json:"routeId"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Volume         decimal.Decimal `json:"volume"`
	Multiplier     float64         `json:"multiplier,omitempty"`
	SqueezeScore   float64         `json:"squeezeScore,omitempty"`
	OpenedAt       time.Time       `json:"openedAt"`
	Status         MappingStatus   `json:"status"`
	LastSeen       time.Time       `json:"lastSeen"`
	ClosedAt       time.Time       `json:"closedAt,omitempty"`
}

// SourceKey returns the uniqueness key for the mapping's source side.
func (m Mapping) SourceKey() string {
	return m.SourceAccount + "/" + m.SourcePosition
}

// DestKey returns the secondary-index key for the destination side.
func (m Mapping) DestKey() string {
	return m.DestAccount + "/" + m.DestPosition
}
