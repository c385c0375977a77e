// Package liveness derives device and site connectivity from heartbeat recency.
// Results are computed at read time and never stored.
package liveness

import (
	"time"

	"fleetcore/internal/models"
)

const (
	// DefaultInterval applies when a device has no heartbeat interval configured.
	DefaultInterval = 300 * time.Second
	// Grace is the number of missed intervals tolerated before a device is offline.
	Grace = 2
)

// DeviceStatus is the computed status of one device.
type DeviceStatus string

const (
	Provisioning DeviceStatus = "Provisioning"
	Online       DeviceStatus = "Online"
	Offline      DeviceStatus = "Offline"
)

// SiteStatus is the computed status of a site from its devices.
type SiteStatus string

const (
	Unknown         SiteStatus = "Unknown"
	Connected       SiteStatus = "Connected"
	NotConnected    SiteStatus = "Not Connected"
	AttentionNeeded SiteStatus = "Attention Needed"
)

// DeviceStatusAt computes a device status at now. intervalSeconds <= 0 or nil
// uses DefaultInterval. A heartbeat exactly at the threshold is still Online.
func DeviceStatusAt(now time.Time, lastHeartbeat *time.Time, intervalSeconds *int) DeviceStatus {
	if lastHeartbeat == nil {
		return Provisioning
	}
	interval := DefaultInterval
	if intervalSeconds != nil && *intervalSeconds > 0 {
		interval = time.Duration(*intervalSeconds) * time.Second
	}
	if now.Sub(*lastHeartbeat) <= interval*Grace {
		return Online
	}
	return Offline
}

// Device computes the status of d at the current time.
func Device(d models.Device) DeviceStatus {
	return DeviceStatusAt(time.Now(), d.LastHeartbeat, d.HeartbeatInterval)
}

// Site folds device statuses into a site status.
func Site(statuses []DeviceStatus) SiteStatus {
	if len(statuses) == 0 {
		return Unknown
	}
	online := 0
	for _, s := range statuses {
		if s == Online {
			online++
		}
	}
	switch online {
	case len(statuses):
		return Connected
	case 0:
		return NotConnected
	default:
		return AttentionNeeded
	}
}

// DeviceView pairs a device id with its computed status.
type DeviceView struct {
	DeviceID string       `json:"device_id"`
	Status   DeviceStatus `json:"computed_status"`
}

// Summary is the read projection of a site's devices.
type Summary struct {
	Devices []DeviceView `json:"devices"`
	Site    SiteStatus   `json:"computed_status"`
}

// Summarize computes per-device statuses at now and the resulting site status.
// devices is not modified.
func Summarize(now time.Time, devices []models.Device) Summary {
	views := make([]DeviceView, 0, len(devices))
	statuses := make([]DeviceStatus, 0, len(devices))
	for _, d := range devices {
		s := DeviceStatusAt(now, d.LastHeartbeat, d.HeartbeatInterval)
		views = append(views, DeviceView{DeviceID: d.DeviceID, Status: s})
		statuses = append(statuses, s)
	}
	return Summary{Devices: views, Site: Site(statuses)}
}
