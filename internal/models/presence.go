package models

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusDND     PresenceStatus = "dnd"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway, StatusBusy, StatusDND:
		return true
	}
	return false
}

// Manual reports whether the status can only come from a direct status set.
func (s PresenceStatus) Manual() bool {
	return s == StatusAway || s == StatusBusy || s == StatusDND
}

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// Presence history event names.
const (
	EventLogin         = "login"
	EventLogout        = "logout"
	EventLogoutAll     = "logout_all"
	EventBrowserLogout = "browser_logout"
	EventStatusChange  = "status_change"
)

type Device struct {
	Status          DeviceStatus `json:"status"`
	DeviceInfo      string       `json:"device_info,omitempty"`
	LoggedInAt      time.Time    `json:"logged_in_at"`
	LastActivity    time.Time    `json:"last_activity"`
	IPAddress       string       `json:"ip_address,omitempty"`
	UserAgent       string       `json:"user_agent,omitempty"`
	BrowserClosedAt *time.Time   `json:"browser_closed_at,omitempty"`
}

type PresenceEvent struct {
	Event     string         `json:"event"`
	DeviceID  string         `json:"device_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	IP        string         `json:"ip,omitempty"`
	OldStatus PresenceStatus `json:"old_status,omitempty"`
	NewStatus PresenceStatus `json:"new_status,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Presence is the persisted record of one extension.
type Presence struct {
	SchemaVersion   int               `json:"schema_version"`
	Extension       string            `json:"extension"`
	Status          PresenceStatus    `json:"status"`
	StatusMessage   string            `json:"status_message,omitempty"`
	StatusChangedAt *time.Time        `json:"status_changed_at,omitempty"`
	Devices         map[string]Device `json:"devices"`
	LoginCount      int               `json:"login_count"`
	LastLogin       *time.Time        `json:"last_login,omitempty"`
	LastLogout      *time.Time        `json:"last_logout,omitempty"`
	History         []PresenceEvent   `json:"history,omitempty"`
}

// AnyDeviceOnline is the device-derived view of the extension.
func (p Presence) AnyDeviceOnline() bool {
	for _, d := range p.Devices {
		if d.Status == DeviceOnline {
			return true
		}
	}
	return false
}
