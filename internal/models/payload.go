package models

import "time"

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// IntegrationPayload is a raw provider payload kept for audit and replay.
// Body holds the decoded JSON document; RawBody is set only when decoding failed.
type IntegrationPayload struct {
	PayloadID string            `json:"payload_id"`
	Source    string            `json:"source"`
	Direction string            `json:"direction"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      any               `json:"body"`
	RawBody   *string           `json:"raw_body,omitempty"`
	Processed bool              `json:"processed"`
	CreatedAt time.Time         `json:"created_at"`
}
