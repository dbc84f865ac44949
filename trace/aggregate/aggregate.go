// Package aggregate turns a flat, ordered list of enriched CDR records
// into a contact list, a visited-location summary, and a chronological
// movement path for one queried identifier.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/datakarta/cdrtrace/trace/cdr"
	"github.com/datakarta/cdrtrace/trace/normalize"
)

// EventType is the classified event family of a record.
type EventType string

const (
	EventCall     EventType = "call"
	EventSMS      EventType = "sms"
	EventWeb      EventType = "web"
	EventPosition EventType = "position"
)

// Direction of a non-position event relative to the queried identifier.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionNone     Direction = ""
)

// Contact is one counterpart with its interaction counters.
type Contact struct {
	Identifier string `json:"identifier"`
	Calls      int    `json:"calls"`
	SMS        int    `json:"sms"`
	Total      int    `json:"total"`
}

// Location is one visited site with its occurrence count.
type Location struct {
	SiteName  string  `json:"siteName"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Count     int     `json:"count"`
}

// PathPoint is one chronological movement-path entry with the per-event
// metadata report consumers need.
type PathPoint struct {
	Type        EventType `json:"type"`
	Direction   Direction `json:"direction,omitempty"`
	Counterpart string    `json:"counterpart,omitempty"`
	At          time.Time `json:"at"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Latitude    *float64  `json:"latitude,omitempty"`
	SiteName    string    `json:"siteName,omitempty"`
	CGI         string    `json:"cgi,omitempty"`
	DurationSec int       `json:"durationSec"`
	Duration    string    `json:"duration,omitempty"`
	Status      string    `json:"status,omitempty"`
}

// Result is the consolidated answer for one identifier.
type Result struct {
	Total        int         `json:"total"`
	Contacts     []Contact   `json:"contacts"`
	TopContacts  []Contact   `json:"topContacts"`
	Locations    []Location  `json:"locations"`
	TopLocations []Location  `json:"topLocations"`
	Path         []PathPoint `json:"path"`
}

const topListSize = 5

// coordinates are rounded to 4 decimals (~11m) when grouping locations
const coordPrecision = 1e4

// Classify maps the free-text event-type field onto an event family.
func Classify(eventType string) EventType {
	t := strings.ToLower(eventType)
	switch {
	case strings.Contains(t, "sms"):
		return EventSMS
	case strings.Contains(t, "data"), strings.Contains(t, "web"):
		return EventWeb
	case strings.Contains(t, "position"):
		return EventPosition
	default:
		return EventCall
	}
}

// ResolveDirection resolves the event direction and counterpart relative
// to the queried identifier. Device identifiers count as the caller side.
// Position events never resolve either. When both sides match (self
// call), outgoing wins.
func ResolveDirection(r cdr.Record, id normalize.Identifier) (Direction, string) {
	if Classify(r.EventType) == EventPosition {
		return DirectionNone, ""
	}
	callerSide := id.Matches(r.Caller) || id.Matches(r.IMEI) || id.Matches(r.IMSI)
	calleeSide := id.Matches(r.Callee)
	switch {
	case callerSide:
		return DirectionOutgoing, r.Callee
	case calleeSide:
		return DirectionIncoming, r.Caller
	default:
		return DirectionNone, ""
	}
}

// Aggregate consumes records already sorted chronologically and builds
// the consolidated result.
func Aggregate(records []cdr.Record, id normalize.Identifier) Result {
	contacts := make(map[string]*Contact)
	locations := make(map[string]*Location)

	result := Result{
		Contacts:     []Contact{},
		TopContacts:  []Contact{},
		Locations:    []Location{},
		TopLocations: []Location{},
		Path:         make([]PathPoint, 0, len(records)),
		Total:        len(records),
	}

	for _, r := range records {
		eventType := Classify(r.EventType)
		direction, counterpart := ResolveDirection(r, id)
		durationSec := ParseDurationSec(r.Duration)

		point := PathPoint{
			Type:        eventType,
			Direction:   direction,
			Counterpart: counterpart,
			At:          r.StartAt,
			Longitude:   r.Longitude,
			Latitude:    r.Latitude,
			SiteName:    r.SiteName,
			CGI:         r.CGI,
			DurationSec: durationSec,
			Duration:    FormatDuration(durationSec),
			Status:      callStatus(eventType, durationSec),
		}
		result.Path = append(result.Path, point)

		// only calls and sms mint contacts; web sessions and position
		// pings carry no interaction with a counterpart
		if (eventType == EventCall || eventType == EventSMS) && counterpart != "" {
			c, ok := contacts[counterpart]
			if !ok {
				c = &Contact{Identifier: counterpart}
				contacts[counterpart] = c
			}
			if eventType == EventSMS {
				c.SMS++
			} else {
				c.Calls++
			}
			c.Total = c.Calls + c.SMS
		}

		if r.HasCoords() {
			key := locationKey(*r.Longitude, *r.Latitude, r.SiteName)
			l, ok := locations[key]
			if !ok {
				l = &Location{
					SiteName:  r.SiteName,
					Longitude: *r.Longitude,
					Latitude:  *r.Latitude,
				}
				locations[key] = l
			}
			l.Count++
		}
	}

	for _, c := range contacts {
		result.Contacts = append(result.Contacts, *c)
	}
	sort.SliceStable(result.Contacts, func(i, j int) bool {
		if result.Contacts[i].Total == result.Contacts[j].Total {
			return result.Contacts[i].Identifier < result.Contacts[j].Identifier
		}
		return result.Contacts[i].Total > result.Contacts[j].Total
	})

	for _, l := range locations {
		result.Locations = append(result.Locations, *l)
	}
	sort.SliceStable(result.Locations, func(i, j int) bool {
		if result.Locations[i].Count == result.Locations[j].Count {
			return result.Locations[i].SiteName < result.Locations[j].SiteName
		}
		return result.Locations[i].Count > result.Locations[j].Count
	})

	result.TopContacts = topContacts(result.Contacts)
	result.TopLocations = topLocations(result.Locations)
	return result
}

func topContacts(all []Contact) []Contact {
	if len(all) > topListSize {
		all = all[:topListSize]
	}
	out := make([]Contact, len(all))
	copy(out, all)
	return out
}

func topLocations(all []Location) []Location {
	if len(all) > topListSize {
		all = all[:topListSize]
	}
	out := make([]Location, len(all))
	copy(out, all)
	return out
}

func locationKey(lon, lat float64, site string) string {
	return fmt.Sprintf("%d:%d:%s",
		int64(math.Round(lon*coordPrecision)),
		int64(math.Round(lat*coordPrecision)),
		site)
}

// callStatus derives the per-event status metadata: calls with no
// recorded duration were never answered.
func callStatus(t EventType, durationSec int) string {
	switch t {
	case EventCall:
		if durationSec == 0 {
			return "unanswered"
		}
		return "answered"
	case EventSMS:
		return "delivered"
	default:
		return ""
	}
}

// ParseDurationSec normalizes the raw duration field: "HH:MM:SS", an
// integer count of seconds, or absent.
func ParseDurationSec(raw string) int {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return 0
		}
		h, err1 := strconv.Atoi(parts[0])
		m, err2 := strconv.Atoi(parts[1])
		sec, err3 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return 0
		}
		return h*3600 + m*60 + sec
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return 0
}

// FormatDuration renders seconds as a compact human-readable duration.
func FormatDuration(sec int) string {
	if sec <= 0 {
		return ""
	}
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
