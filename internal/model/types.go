package model

import (
	"math"
	"time"
)

type EventType string

const (
	EventHarshBrake EventType = "HARSH_BRAKE"
	EventAggressive EventType = "AGGRESSIVE"
	EventSwerving   EventType = "SWERVING"
	EventDrowsy     EventType = "DROWSY"
	EventEyesClosed EventType = "EYES_CLOSED"
	EventDistracted EventType = "DISTRACTED"
)

// IsDriving reports whether t is one of the motion events a sensor sample can carry.
func (t EventType) IsDriving() bool {
	switch t {
	case EventHarshBrake, EventAggressive, EventSwerving:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

type DriverStatus string

const (
	DriverActive   DriverStatus = "active"
	DriverWarning  DriverStatus = "warning"
	DriverInactive DriverStatus = "inactive"
)

type Source string

const (
	SourceSensor Source = "sensor"
	SourceVision Source = "vision"
)

type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vector) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v Vector) IsZero() bool {
	return v.X == 0 && v.Y == 0 && v.Z == 0
}

type Driver struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Email           string       `json:"email,omitempty"`
	DeviceID        string       `json:"device_id"`
	Status          DriverStatus `json:"status"`
	Online          bool         `json:"online"`
	SafetyScore     int          `json:"safety_score"`
	LastActiveAt    *time.Time   `json:"last_active_at,omitempty"`
	LastHeartbeatAt *time.Time   `json:"last_heartbeat_at,omitempty"`
}

type Session struct {
	ID          string        `json:"id"`
	DriverID    string        `json:"driver_id"`
	DeviceID    string        `json:"device_id"`
	Status      SessionStatus `json:"status"`
	SafetyScore int           `json:"safety_score"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
}

type Event struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	DriverID    string    `json:"driver_id"`
	DeviceID    string    `json:"device_id"`
	Type        EventType `json:"type"`
	Severity    Severity  `json:"severity"`
	Magnitude   Vector    `json:"magnitude"`
	Count       int       `json:"count,omitempty"`
	Source      Source    `json:"source"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type RawSample struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Magnitude Vector    `json:"magnitude"`
	Type      EventType `json:"type"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

type Kind string

const (
	KindEvent     Kind = "event"
	KindStatus    Kind = "status"
	KindSample    Kind = "sample"
	KindAttention Kind = "attention"
)

// Notification is one decoded message from a producer before scoring.
type Notification struct {
	Kind      Kind      `json:"kind"`
	Type      EventType `json:"type,omitempty"`
	Label     string    `json:"label,omitempty"`
	Count     int       `json:"count"`
	Magnitude Vector    `json:"magnitude"`
	At        time.Time `json:"at"`
	Source    Source    `json:"source"`
	Raw       string    `json:"raw,omitempty"`
}
