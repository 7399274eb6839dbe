// Package timewindow evaluates recurring day/time exceptions, including
// windows that cross midnight.
package timewindow

import (
	"fmt"
	"strings"
	"time"

	"github.com/upb/llm-enforcement-gateway/internal/identity"
	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services"
	"go.uber.org/zap"
)

// ErrInvalidFormat is returned by ParseTime for anything other than a valid HH:MM.
var ErrInvalidFormat = services.ErrInvalidTimeFormat

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// TimeOf extracts the wall-clock time of t.
func TimeOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

// ParseTime parses "HH:MM" in 24h form.
func ParseTime(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	hour, ok := clockField(parts[0])
	if !ok {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	minute, ok := clockField(parts[1])
	if !ok {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %q out of range", ErrInvalidFormat, s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// clockField accepts one or two ASCII digits. Signs and spaces are rejected.
func clockField(s string) (int, bool) {
	if len(s) == 0 || len(s) > 2 {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, true
}

// IsTimeInRange reports whether t falls in [start, end]. When start is after
// end the range wraps past midnight.
func IsTimeInRange(t, start, end TimeOfDay) bool {
	m, s, e := t.Minutes(), start.Minutes(), end.Minutes()
	if s <= e {
		return m >= s && m <= e
	}
	return m >= s || m <= e
}

// IsDayInRange reports whether day is one of days.
func IsDayInRange(day models.Weekday, days []models.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// Evaluator checks time exceptions against a configuration snapshot.
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator creates a new Evaluator.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// IsExceptionActive reports whether e exempts clientIP at now. Malformed
// start or end times make the exception inactive.
func (ev *Evaluator) IsExceptionActive(e models.TimeException, clientIP string, now time.Time) bool {
	if !e.Enabled {
		return false
	}
	if !containsIP(e.DeviceIPs, clientIP) {
		return false
	}
	if !IsDayInRange(models.WeekdayOf(now), e.Days) {
		return false
	}
	return ev.inWindow(e, now)
}

func (ev *Evaluator) inWindow(e models.TimeException, now time.Time) bool {
	start, err := ParseTime(e.StartTime)
	if err != nil {
		ev.logger.Warn("time exception has invalid start time, treating as inactive",
			zap.String("exception", e.Name),
			zap.String("start_time", e.StartTime),
			zap.Error(err))
		return false
	}
	end, err := ParseTime(e.EndTime)
	if err != nil {
		ev.logger.Warn("time exception has invalid end time, treating as inactive",
			zap.String("exception", e.Name),
			zap.String("end_time", e.EndTime),
			zap.Error(err))
		return false
	}
	return IsTimeInRange(TimeOf(now), start, end)
}

// FindAnyActiveException returns the first exception in config order that
// exempts clientIP at now.
func (ev *Evaluator) FindAnyActiveException(snap *models.Snapshot, clientIP string, now time.Time) (*models.TimeException, bool) {
	if snap == nil {
		return nil, false
	}
	for i := range snap.TimeExceptions {
		if ev.IsExceptionActive(snap.TimeExceptions[i], clientIP, now) {
			e := snap.TimeExceptions[i]
			return &e, true
		}
	}
	return nil, false
}

// ListActive returns the enabled exceptions whose day and time window cover
// now, regardless of device.
func (ev *Evaluator) ListActive(snap *models.Snapshot, now time.Time) []models.TimeException {
	var active []models.TimeException
	if snap == nil {
		return active
	}
	day := models.WeekdayOf(now)
	for _, e := range snap.TimeExceptions {
		if e.Enabled && IsDayInRange(day, e.Days) && ev.inWindow(e, now) {
			active = append(active, e)
		}
	}
	return active
}

// AddException validates e and appends it to snap. Device IPs are normalized.
func AddException(snap *models.Snapshot, e models.TimeException) error {
	if strings.TrimSpace(e.Name) == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "exception name is required", nil)
	}
	if _, err := ParseTime(e.StartTime); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation, "invalid start time", err).WithDetail("start_time", e.StartTime)
	}
	if _, err := ParseTime(e.EndTime); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation, "invalid end time", err).WithDetail("end_time", e.EndTime)
	}
	for _, d := range e.Days {
		if d < models.Monday || d > models.Sunday {
			return services.NewDomainError(services.ErrorTypeValidation, "invalid weekday", nil).WithDetail("day", int(d))
		}
	}
	for _, existing := range snap.TimeExceptions {
		if existing.Name == e.Name {
			return services.ErrDuplicateException
		}
	}

	ips := make([]string, len(e.DeviceIPs))
	for i, ip := range e.DeviceIPs {
		ips[i] = identity.NormalizeIP(ip)
	}
	e.DeviceIPs = ips
	e.Days = append([]models.Weekday(nil), e.Days...)
	snap.TimeExceptions = append(snap.TimeExceptions, e)
	return nil
}

// RemoveException deletes the exception named name from snap.
func RemoveException(snap *models.Snapshot, name string) error {
	for i, e := range snap.TimeExceptions {
		if e.Name == name {
			snap.TimeExceptions = append(snap.TimeExceptions[:i], snap.TimeExceptions[i+1:]...)
			return nil
		}
	}
	return services.ErrExceptionNotFound
}

func containsIP(ips []string, clientIP string) bool {
	target := identity.NormalizeIP(clientIP)
	for _, ip := range ips {
		if identity.NormalizeIP(ip) == target {
			return true
		}
	}
	return false
}
