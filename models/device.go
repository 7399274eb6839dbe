package models

import (
	"fmt"
	"strings"
	"time"
)

// Device is a standing allowlist entry identified by IP and optionally MAC.
type Device struct {
	IP        string     `json:"ip" yaml:"ip"`
	MAC       *string    `json:"mac,omitempty" yaml:"mac,omitempty"`
	Name      string     `json:"name" yaml:"name"`
	Enabled   bool       `json:"enabled" yaml:"enabled"`
	Permanent bool       `json:"permanent" yaml:"permanent"`
	Group     *string    `json:"group,omitempty" yaml:"group,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	AddedAt   time.Time  `json:"added_at" yaml:"added_at"`
	Notes     *string    `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Group collects devices under a name. Groups are organizational only.
type Group struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	DeviceIPs   []string `json:"device_ips" yaml:"device_ips"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
}

// Weekday numbers days starting at Monday = 0.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [...]string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// WeekdayOf converts a time.Weekday (Sunday = 0) to a Monday-based Weekday.
func WeekdayOf(t time.Time) Weekday {
	return Weekday((int(t.Weekday()) + 6) % 7)
}

// ParseWeekday accepts a lowercase or capitalized English day name.
func ParseWeekday(s string) (Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range weekdayNames {
		if n == name {
			return Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

func (d Weekday) String() string {
	if d < 0 || int(d) >= len(weekdayNames) {
		return fmt.Sprintf("weekday(%d)", int(d))
	}
	return weekdayNames[d]
}

// MarshalText encodes the day by name so config files stay readable.
func (d Weekday) MarshalText() ([]byte, error) {
	if d < 0 || int(d) >= len(weekdayNames) {
		return nil, fmt.Errorf("invalid weekday %d", int(d))
	}
	return []byte(weekdayNames[d]), nil
}

// UnmarshalText decodes a day name.
func (d *Weekday) UnmarshalText(text []byte) error {
	w, err := ParseWeekday(string(text))
	if err != nil {
		return err
	}
	*d = w
	return nil
}

// TimeException is a recurring window during which listed devices bypass enforcement.
// StartTime and EndTime are HH:MM; StartTime > EndTime denotes an overnight window.
type TimeException struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Days        []Weekday `json:"days" yaml:"days"`
	StartTime   string    `json:"start_time" yaml:"start_time"`
	EndTime     string    `json:"end_time" yaml:"end_time"`
	DeviceIPs   []string  `json:"device_ips" yaml:"device_ips"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
}
