// Package service is the status/control facade over the task store and the
// scheduler engine. It enforces the cross-cutting rules the lower layers
// assume: validated journey parameters, terminal-only deletion, idempotent
// cancellation.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"thsrsniper/internal/domain"
	"thsrsniper/internal/engine"
	"thsrsniper/internal/store"
	"thsrsniper/internal/thsr"
)

var (
	// ErrNotTerminal rejects removal of a task that is still live.
	ErrNotTerminal = errors.New("task is not in a terminal state")
	// ErrAlreadyTerminal marks a cancel of an already-finished task. It is a
	// no-op condition, not a failure; callers may treat it as an ack.
	ErrAlreadyTerminal = errors.New("task is already terminal")
)

// ValidationError reports the first violated constraint of a schedule
// request, phrased for the end user.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ScheduleRequest carries everything needed to create a booking task.
type ScheduleRequest struct {
	Owner         string `json:"owner,omitempty"`
	FromStation   int    `json:"from_station" validate:"min=1"`
	ToStation     int    `json:"to_station" validate:"min=1"`
	Date          string `json:"date" validate:"required"`
	AdultCount    int    `json:"adult_cnt" validate:"min=0,max=10"`
	StudentCount  int    `json:"student_cnt" validate:"min=0,max=10"`
	ChildCount    int    `json:"child_cnt" validate:"min=0,max=10"`
	SeniorCount   int    `json:"senior_cnt" validate:"min=0,max=10"`
	DisabledCount int    `json:"disabled_cnt" validate:"min=0,max=10"`
	TimeSlot      *int   `json:"time,omitempty"`
	TrainIndex    *int   `json:"train_index,omitempty" validate:"omitempty,min=1"`
	SeatPrefer    *int   `json:"seat_prefer,omitempty" validate:"omitempty,min=0,max=2"`
	ClassType     *int   `json:"class_type,omitempty" validate:"omitempty,min=0,max=1"`
	PersonalID    string `json:"personal_id" validate:"required,len=10"`
	UseMembership bool   `json:"use_membership"`
	NoOCR         bool   `json:"no_ocr"`

	IntervalMinutes int `json:"interval_minutes" validate:"min=1,max=60"`
	MaxAttempts     int `json:"max_attempts" validate:"min=0"` // 0 = unlimited
}

// TaskView is the externally visible projection of a task.
type TaskView struct {
	ID              string     `json:"id"`
	Owner           string     `json:"owner,omitempty"`
	Status          string     `json:"status"`
	FromStation     int        `json:"from_station"`
	ToStation       int        `json:"to_station"`
	Route           string     `json:"route"`
	Date            string     `json:"date"`
	IntervalMinutes int        `json:"interval_minutes"`
	MaxAttempts     int        `json:"max_attempts"`
	Attempts        int        `json:"attempts"`
	Result          string     `json:"result,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// StatsSource provides the engine snapshot for Status.
type StatsSource interface {
	Stats(ctx context.Context) (engine.Stats, error)
}

type Service struct {
	store    store.Store
	stats    StatsSource
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time
}

func New(st store.Store, stats StatsSource, log zerolog.Logger) *Service {
	return &Service{
		store:    st,
		stats:    stats,
		validate: validator.New(),
		log:      log,
		now:      time.Now,
	}
}

// Schedule validates the request and creates a pending task.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (string, error) {
	if err := s.validateRequest(req); err != nil {
		return "", err
	}

	t := &domain.Task{
		Owner: strings.TrimSpace(req.Owner),
		Journey: domain.JourneyParams{
			FromStation:   req.FromStation,
			ToStation:     req.ToStation,
			Date:          req.Date,
			AdultCount:    req.AdultCount,
			StudentCount:  req.StudentCount,
			ChildCount:    req.ChildCount,
			SeniorCount:   req.SeniorCount,
			DisabledCount: req.DisabledCount,
			TimeSlot:      req.TimeSlot,
			TrainIndex:    req.TrainIndex,
			SeatPrefer:    req.SeatPrefer,
			ClassType:     req.ClassType,
			PersonalID:    strings.ToUpper(strings.TrimSpace(req.PersonalID)),
			UseMembership: req.UseMembership,
			NoOCR:         req.NoOCR,
		},
		Interval:    time.Duration(req.IntervalMinutes) * time.Minute,
		MaxAttempts: req.MaxAttempts,
		Status:      domain.StatusPending,
	}

	id, err := s.store.Create(ctx, t)
	if err != nil {
		return "", err
	}
	s.log.Info().
		Str("task_id", id).
		Str("date", req.Date).
		Int("from", req.FromStation).
		Int("to", req.ToStation).
		Msg("booking task scheduled")
	return id, nil
}

func (s *Service) validateRequest(req ScheduleRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return &ValidationError{
				Field:   strings.ToLower(f.Field()),
				Message: fmt.Sprintf("failed %q constraint", f.Tag()),
			}
		}
		return err
	}

	if req.FromStation > thsr.StationCount() {
		return &ValidationError{Field: "from_station", Message: fmt.Sprintf("must be 1-%d", thsr.StationCount())}
	}
	if req.ToStation > thsr.StationCount() {
		return &ValidationError{Field: "to_station", Message: fmt.Sprintf("must be 1-%d", thsr.StationCount())}
	}
	if req.FromStation == req.ToStation {
		return &ValidationError{Field: "to_station", Message: "departure and arrival stations cannot be the same"}
	}

	d, err := thsr.ParseDate(req.Date)
	if err != nil {
		return &ValidationError{Field: "date", Message: "must be YYYY/MM/DD"}
	}
	now := s.now().In(thsr.Taiwan)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, thsr.Taiwan)
	if d.Before(today) {
		return &ValidationError{Field: "date", Message: "must not be in the past"}
	}

	total := req.AdultCount + req.StudentCount + req.ChildCount + req.SeniorCount + req.DisabledCount
	if total == 0 {
		return &ValidationError{Field: "passengers", Message: "at least one ticket must be specified"}
	}
	if total > 10 {
		return &ValidationError{Field: "passengers", Message: "total tickets cannot exceed 10"}
	}

	if req.TimeSlot != nil && (*req.TimeSlot < 1 || *req.TimeSlot > thsr.TimeSlotCount()) {
		return &ValidationError{Field: "time", Message: fmt.Sprintf("must be 1-%d", thsr.TimeSlotCount())}
	}
	return nil
}

// Cancel requests cooperative cancellation. An attempt already in flight
// completes, after which the engine moves the task to cancelled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	for {
		t, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		if t.CancelRequested {
			return nil
		}
		t.CancelRequested = true
		err = s.store.Update(ctx, t)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.log.Info().Str("task_id", id).Msg("cancellation requested")
		return nil
	}
}

// Remove deletes a terminal task from the store.
func (s *Service) Remove(ctx context.Context, id string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return ErrNotTerminal
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("task_id", id).Str("status", string(t.Status)).Msg("task removed")
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (TaskView, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	return s.view(t), nil
}

// List returns matching tasks in insertion order. Statuses are effective: a
// live task whose departure date already passed reads as expired even
// before the engine's lazy expiry write lands, so concurrent readers agree.
func (s *Service) List(ctx context.Context, f store.Filter) ([]TaskView, error) {
	tasks, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, s.view(t))
	}
	return views, nil
}

// Status reports the engine snapshot for health and CLI display.
func (s *Service) Status(ctx context.Context) (engine.Stats, error) {
	return s.stats.Stats(ctx)
}

func (s *Service) view(t *domain.Task) TaskView {
	status := t.Status
	if !status.Terminal() && t.Expired(s.now()) {
		status = domain.StatusExpired
	}

	from, _ := thsr.StationName(t.Journey.FromStation)
	to, _ := thsr.StationName(t.Journey.ToStation)

	return TaskView{
		ID:              t.ID,
		Owner:           t.Owner,
		Status:          string(status),
		FromStation:     t.Journey.FromStation,
		ToStation:       t.Journey.ToStation,
		Route:           from + " -> " + to,
		Date:            t.Journey.Date,
		IntervalMinutes: int(t.Interval / time.Minute),
		MaxAttempts:     t.MaxAttempts,
		Attempts:        t.Attempts,
		Result:          t.Result,
		LastError:       t.LastError,
		CancelRequested: t.CancelRequested,
		LastAttemptAt:   t.LastAttemptAt,
		CreatedAt:       t.CreatedAt,
	}
}
