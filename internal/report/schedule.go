package report

import (
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// QuietWindow is the zero-activity window leading into a checkpoint.
type QuietWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Schedule derives checkpoint instants from a cron expression and
// places a fixed quiet lead before each one.
type Schedule struct {
	spec      cron.Schedule
	quietLead time.Duration
}

// NewSchedule parses a standard 5-field cron expression.
func NewSchedule(cronExpr string, quietLead time.Duration) (*Schedule, error) {
	spec, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse checkpoint cron %q", cronExpr)
	}
	return &Schedule{spec: spec, quietLead: quietLead}, nil
}

// NextCheckpoint returns the next checkpoint instant strictly after now.
func (s *Schedule) NextCheckpoint(now time.Time) time.Time {
	return s.spec.Next(now)
}

// Window returns the quiet window around the next checkpoint and
// whether now falls inside it.
func (s *Schedule) Window(now time.Time) (QuietWindow, bool) {
	next := s.spec.Next(now)
	w := QuietWindow{Start: next.Add(-s.quietLead), End: next}
	return w, !now.Before(w.Start)
}

// QuietActive reports whether now is inside a quiet window.
func (s *Schedule) QuietActive(now time.Time) bool {
	_, active := s.Window(now)
	return active
}
