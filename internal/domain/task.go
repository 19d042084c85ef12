package domain

import (
	"fmt"
	"time"

	"thsrsniper/internal/thsr"
)

// Status is the lifecycle state of a booking task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled, StatusExpired:
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", v)
}

// JourneyParams are the booking parameters handed verbatim to the booking
// runner. The scheduler never interprets them beyond the departure date.
type JourneyParams struct {
	FromStation   int    `json:"from_station"`
	ToStation     int    `json:"to_station"`
	Date          string `json:"date"` // YYYY/MM/DD
	AdultCount    int    `json:"adult_cnt"`
	StudentCount  int    `json:"student_cnt"`
	ChildCount    int    `json:"child_cnt"`
	SeniorCount   int    `json:"senior_cnt"`
	DisabledCount int    `json:"disabled_cnt"`
	TimeSlot      *int   `json:"time,omitempty"`
	TrainIndex    *int   `json:"train_index,omitempty"`
	SeatPrefer    *int   `json:"seat_prefer,omitempty"`
	ClassType     *int   `json:"class_type,omitempty"`
	PersonalID    string `json:"personal_id"`
	UseMembership bool   `json:"use_membership"`
	NoOCR         bool   `json:"no_ocr"`
}

func (p JourneyParams) Passengers() int {
	return p.AdultCount + p.StudentCount + p.ChildCount + p.SeniorCount + p.DisabledCount
}

// Task is one scheduled booking goal with its retry policy and status.
// Journey, Interval and MaxAttempts are immutable after creation; the
// scheduler engine is the only writer of Attempts, Result and LastError.
type Task struct {
	ID      string        `json:"id"`
	Owner   string        `json:"owner,omitempty"`
	Journey JourneyParams `json:"journey"`

	Interval    time.Duration `json:"interval"`
	MaxAttempts int           `json:"max_attempts"` // 0 means unlimited

	Status          Status     `json:"status"`
	Attempts        int        `json:"attempts"`
	Result          string     `json:"result,omitempty"` // PNR code, set iff success
	LastError       string     `json:"last_error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic-concurrency stamp maintained by the store.
	Version int64 `json:"version"`
}

// Expired reports whether the departure date is strictly before the current
// date in Taiwan, where the portal's calendar rolls over. An unparseable
// date never expires; validation rejects those up front.
func (t *Task) Expired(now time.Time) bool {
	d, err := thsr.ParseDate(t.Journey.Date)
	if err != nil {
		return false
	}
	local := now.In(thsr.Taiwan)
	y, m, day := local.Date()
	today := time.Date(y, m, day, 0, 0, 0, 0, thsr.Taiwan)
	return d.Before(today)
}

// AttemptsExhausted reports whether the attempt cap has been reached.
func (t *Task) AttemptsExhausted() bool {
	return t.MaxAttempts > 0 && t.Attempts >= t.MaxAttempts
}

// Due reports whether the retry interval has elapsed since the last attempt.
func (t *Task) Due(now time.Time) bool {
	if t.LastAttemptAt == nil {
		return true
	}
	return now.Sub(*t.LastAttemptAt) >= t.Interval
}

// Clone returns a deep copy so store snapshots never alias caller state.
func (t *Task) Clone() *Task {
	c := *t
	if t.LastAttemptAt != nil {
		ts := *t.LastAttemptAt
		c.LastAttemptAt = &ts
	}
	c.Journey = cloneJourney(t.Journey)
	return &c
}

func cloneJourney(p JourneyParams) JourneyParams {
	cp := func(v *int) *int {
		if v == nil {
			return nil
		}
		n := *v
		return &n
	}
	p.TimeSlot = cp(p.TimeSlot)
	p.TrainIndex = cp(p.TrainIndex)
	p.SeatPrefer = cp(p.SeatPrefer)
	p.ClassType = cp(p.ClassType)
	return p
}
