// Package models holds the shared domain types for the terminal fleet.
package models

import (
	"fmt"
	"time"
)

// DeviceConfig describes one access-control terminal in the fleet.
type DeviceConfig struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Password int      `json:"password,omitempty"`
	Timeout  Duration `json:"timeout,omitempty"`
	ForceUDP bool     `json:"force_udp,omitempty"`
	Enabled  bool     `json:"enabled"`
}

// Addr returns the host:port dial address for the terminal.
func (d *DeviceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Settings carries fleet-wide orchestration defaults.
type Settings struct {
	DefaultPort    int      `json:"default_port"`
	DefaultTimeout Duration `json:"default_timeout"`
	MaxRetries     int      `json:"max_retries"`
	PollInterval   Duration `json:"poll_interval"`
	MasterDeviceID string   `json:"master_device_id"`
}

// Privilege is the terminal-native role ordinal carried on user records.
type Privilege int

const (
	PrivilegeNormal     Privilege = 0
	PrivilegeEnroll     Privilege = 1
	PrivilegeAdmin      Privilege = 2
	PrivilegeSuperAdmin Privilege = 3
	PrivilegeSuperUser  Privilege = 14
)

var privilegeNames = map[Privilege]string{
	PrivilegeNormal:     "Normal User",
	PrivilegeEnroll:     "Enroll User",
	PrivilegeAdmin:      "Admin",
	PrivilegeSuperAdmin: "Super Admin",
	PrivilegeSuperUser:  "Super User",
}

// Valid reports whether p is one of the terminal-recognized role ordinals.
func (p Privilege) Valid() bool {
	_, ok := privilegeNames[p]
	return ok
}

func (p Privilege) String() string {
	if name, ok := privilegeNames[p]; ok {
		return name
	}

	return fmt.Sprintf("Unknown (%d)", int(p))
}

// User is the identity record as stored on a terminal.
type User struct {
	UID       uint16    `json:"uid"`
	Name      string    `json:"name"`
	Privilege Privilege `json:"privilege"`
	Password  string    `json:"password,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	UserID    string    `json:"user_id"`
	Card      uint32    `json:"card"`
}

// Template is one biometric template slot on a terminal.
type Template struct {
	UID     uint16 `json:"uid"`
	FID     uint8  `json:"finger_id"`
	Valid   bool   `json:"valid"`
	Payload []byte `json:"-"`
}

// RawEvent is an attendance log entry as read off a terminal, before
// classification.
type RawEvent struct {
	UID       uint16    `json:"uid"`
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Punch     int       `json:"punch"`
}

// AccessEvent is a classified access event as published on the live subject.
type AccessEvent struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	UID        *uint16   `json:"uid,omitempty"`
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	Status     int       `json:"status"`
	Punch      int       `json:"punch"`
	Action     string    `json:"action"`
	Granted    bool      `json:"granted"`
	Message    string    `json:"message"`
}

// Response status vocabulary. Terminal statuses close a staged exchange;
// the rest are progress markers.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusFailed         = "failed"
	StatusError          = "error"
	StatusInfo           = "info"
	StatusAccepted       = "accepted"
	StatusValidating     = "validating"
	StatusScanning       = "scanning"
	StatusAnalyzing      = "analyzing"
	StatusDeleting       = "deleting"
	StatusUpdating       = "updating"
	StatusProcessing     = "processing"
	StatusEnrolling      = "enrolling"
	StatusReadyToEnroll  = "ready_to_enroll"
	StatusEnrollSyncing  = "enrollment_success_syncing"
	StatusSyncCompleted  = "sync_completed"
)

// Response is the envelope for every message published on a response subject.
type Response struct {
	Status    string      `json:"status"`
	Message   string      `json:"message"`
	Command   string      `json:"command,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewResponse stamps a response envelope with the current time.
func NewResponse(status, message string, data interface{}) *Response {
	return &Response{
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}
