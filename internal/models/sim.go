package models

import "time"

// SimStatus is the inventory lifecycle state of a SIM.
type SimStatus string

const (
	SimInventory  SimStatus = "inventory"
	SimActive     SimStatus = "active"
	SimSuspended  SimStatus = "suspended"
	SimTerminated SimStatus = "terminated"
)

// Sim is a carrier-issued SIM tracked in tenant inventory.
type Sim struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ICCID     string    `json:"iccid"`
	MSISDN    *string   `json:"msisdn,omitempty"`
	Carrier   string    `json:"carrier"`
	Status    SimStatus `json:"status"`
	Plan      *string   `json:"plan,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SimEvent is an append-only audit record of a lifecycle action.
// Only StatusAfter and JobID are ever written after insert.
type SimEvent struct {
	ID           int64          `json:"id"`
	SimID        int64          `json:"sim_id"`
	EventType    string         `json:"event_type"`
	StatusBefore SimStatus      `json:"status_before"`
	StatusAfter  *SimStatus     `json:"status_after,omitempty"`
	InitiatedBy  string         `json:"initiated_by"`
	JobID        *string        `json:"job_id,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
