package models

import "time"

// Device carries the heartbeat fields liveness is derived from.
type Device struct {
	DeviceID          string     `json:"device_id"`
	SiteID            string     `json:"site_id"`
	LastHeartbeat     *time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatInterval *int       `json:"heartbeat_interval,omitempty"`
}
