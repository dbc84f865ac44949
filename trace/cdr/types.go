// Package cdr holds the domain types shared by the store, the secondary
// index, and the aggregation layer.
package cdr

import (
	"time"
)

// Record is one telecom event. Immutable once persisted; only the
// enrichment fields (coordinates, site name) may be late-filled.
type Record struct {
	ID         int64
	Caller     string
	Callee     string
	IMEI       string
	IMSI       string
	EventType  string
	StartAt    time.Time
	EndAt      *time.Time
	Duration   string // raw form: "HH:MM:SS", integer seconds, or empty
	CGI        string
	Longitude  *float64
	Latitude   *float64
	SiteName   string
	SourceFile string
	InsertedAt time.Time
}

// HasCoords reports whether both coordinates were late-filled.
func (r Record) HasCoords() bool {
	return r.Longitude != nil && r.Latitude != nil
}

// Filter restricts a record search. Zero time values and negative
// time-of-day bounds mean "unbounded".
type Filter struct {
	StartDate    time.Time
	EndDate      time.Time
	StartTimeSec int // seconds since midnight, -1 = unbounded
	EndTimeSec   int // seconds since midnight, -1 = unbounded
	Limit        int
}

// NewFilter returns a filter with all bounds open.
func NewFilter() Filter {
	return Filter{StartTimeSec: -1, EndTimeSec: -1}
}

// Association is a distinct counterpart identity observed together with
// the queried identifier: device identifiers for a phone number, phone
// numbers for a device identifier.
type Association struct {
	Value     string    `json:"value"`
	Kind      string    `json:"kind"` // "imei" | "imsi" | "phone"
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}
