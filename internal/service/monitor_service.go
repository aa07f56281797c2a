package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/events"
	"github.com/noah-isme/gema-proctor-api/internal/integrity"
	"github.com/noah-isme/gema-proctor-api/internal/repository"
)

const recentViolationLimit = 5

// EventSource hands out live event subscriptions for an exam.
type EventSource interface {
	Subscribe(examID string) (<-chan events.Event, func())
}

// MonitorService backs the professor's live proctoring view.
type MonitorService interface {
	LiveSessions(ctx context.Context, actor Actor, examID uuid.UUID) ([]dto.LiveSessionView, error)
	Stream(ctx context.Context, actor Actor, examID uuid.UUID) (<-chan events.Event, func(), error)
}

type monitorService struct {
	exams    repository.ExamRepository
	sessions repository.SessionRepository
	logs     repository.ProctoringLogRepository
	source   EventSource
	logger   zerolog.Logger
}

// NewMonitorService constructs the live monitor service.
func NewMonitorService(exams repository.ExamRepository, sessions repository.SessionRepository, logs repository.ProctoringLogRepository, source EventSource, logger zerolog.Logger) MonitorService {
	return &monitorService{
		exams:    exams,
		sessions: sessions,
		logs:     logs,
		source:   source,
		logger:   logger.With().Str("component", "monitor_service").Logger(),
	}
}

// LiveSessions lists every session of the exam, lowest integrity first.
func (s *monitorService) LiveSessions(ctx context.Context, actor Actor, examID uuid.UUID) ([]dto.LiveSessionView, error) {
	if err := s.authorize(ctx, actor, examID); err != nil {
		return nil, err
	}

	sessions, err := s.sessions.ListByExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	views := make([]dto.LiveSessionView, 0, len(sessions))
	for _, session := range sessions {
		counts, err := s.logs.CountByType(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		recent, err := s.logs.Recent(ctx, session.ID, recentViolationLimit)
		if err != nil {
			return nil, err
		}

		items := make([]dto.ViolationView, 0, len(recent))
		for _, entry := range recent {
			violation, _ := integrity.ParseViolation(entry.ViolationType)
			items = append(items, dto.NewViolationView(entry, violation.Explanation()))
		}

		views = append(views, dto.LiveSessionView{
			SessionID:        session.ID,
			StudentID:        session.StudentID,
			Status:           session.Status,
			IntegrityScore:   session.IntegrityScore,
			ViolationCounts:  counts,
			RecentViolations: items,
		})
	}

	return views, nil
}

func (s *monitorService) Stream(ctx context.Context, actor Actor, examID uuid.UUID) (<-chan events.Event, func(), error) {
	if err := s.authorize(ctx, actor, examID); err != nil {
		return nil, nil, err
	}
	if s.source == nil {
		return nil, nil, errors.New("event stream unavailable")
	}

	ch, cancel := s.source.Subscribe(examID.String())
	s.logger.Debug().Str("exam_id", examID.String()).Str("actor_id", actor.ID.String()).Msg("monitor stream opened")
	return ch, cancel, nil
}

func (s *monitorService) authorize(ctx context.Context, actor Actor, examID uuid.UUID) error {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrExamNotFound
		}
		return err
	}
	if !actor.canManage(exam.ProfessorID) {
		return ErrForbidden
	}
	return nil
}
