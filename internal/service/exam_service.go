package service

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/events"
	"github.com/noah-isme/gema-proctor-api/internal/grading"
	"github.com/noah-isme/gema-proctor-api/internal/models"
	"github.com/noah-isme/gema-proctor-api/internal/repository"
)

// GradingStatus is reported once a session has been handed to the graders.
const GradingStatus = "grading"

// ExamService drives the student side of an exam and exam authoring.
type ExamService interface {
	Create(ctx context.Context, actor Actor, payload dto.CreateExamRequest) (dto.ExamResponse, error)
	Start(ctx context.Context, actor Actor, examID uuid.UUID) (dto.SessionResponse, error)
	ListQuestions(ctx context.Context, actor Actor, examID uuid.UUID) ([]dto.QuestionView, error)
	SubmitAnswer(ctx context.Context, actor Actor, examID uuid.UUID, payload dto.SubmitAnswerRequest) (dto.AnswerResponse, error)
	Finish(ctx context.Context, actor Actor, examID uuid.UUID) (dto.FinishExamResponse, error)
	RunCode(ctx context.Context, payload dto.RunCodeRequest) (dto.RunCodeResponse, error)
}

// ExamDeps groups the collaborators of the exam service.
type ExamDeps struct {
	Exams     repository.ExamRepository
	Sessions  repository.SessionRepository
	Responses repository.ResponseRepository
	Grader    GradingService
	Code      *grading.CodeGrader
	Publisher events.Publisher
}

type examService struct {
	exams     repository.ExamRepository
	sessions  repository.SessionRepository
	responses repository.ResponseRepository
	grader    GradingService
	code      *grading.CodeGrader
	publisher events.Publisher
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewExamService constructs the exam service.
func NewExamService(deps ExamDeps, validate *validator.Validate, logger zerolog.Logger) ExamService {
	return &examService{
		exams:     deps.Exams,
		sessions:  deps.Sessions,
		responses: deps.Responses,
		grader:    deps.Grader,
		code:      deps.Code,
		publisher: deps.Publisher,
		validator: validate,
		logger:    logger.With().Str("component", "exam_service").Logger(),
		now:       time.Now,
	}
}

func (s *examService) Create(ctx context.Context, actor Actor, payload dto.CreateExamRequest) (dto.ExamResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-proctor-api/internal/service/exam")
	ctx, span := tracer.Start(ctx, "exam.create")
	span.SetAttributes(attribute.String("exam.professor_id", actor.ID.String()))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.ExamResponse{}, err
	}
	if payload.StartTime != nil && payload.EndTime != nil && !payload.EndTime.After(*payload.StartTime) {
		return dto.ExamResponse{}, invalid("end_time", "must be after start_time")
	}

	exam := models.Exam{
		ProfessorID:        actor.ID,
		Title:              strings.TrimSpace(payload.Title),
		Type:               strings.TrimSpace(payload.Type),
		DurationMinutes:    payload.DurationMinutes,
		StartTime:          payload.StartTime,
		EndTime:            payload.EndTime,
		NegativeMarking:    payload.NegativeMarking,
		RandomizeQuestions: payload.RandomizeQuestions,
		IsActive:           true,
		Questions:          make([]models.Question, 0, len(payload.Questions)),
	}

	for i, item := range payload.Questions {
		question := models.Question{
			Text:          strings.TrimSpace(item.Text),
			Type:          item.Type,
			Options:       datatypes.JSONMap(item.Options),
			CorrectAnswer: strings.TrimSpace(item.CorrectAnswer),
			Keywords:      datatypes.JSONSlice[string](item.Keywords),
			Marks:         item.Marks,
			Position:      i + 1,
			CodeLanguage:  strings.ToLower(strings.TrimSpace(item.CodeLanguage)),
		}
		if item.Type == models.QuestionTypeCode {
			cases := make([]grading.TestCase, 0, len(item.TestCases))
			for _, tc := range item.TestCases {
				cases = append(cases, grading.TestCase{Input: tc.Input, ExpectedOutput: tc.ExpectedOutput})
			}
			question.TestCases = datatypes.JSONSlice[grading.TestCase](cases)
		}
		exam.Questions = append(exam.Questions, question)
	}

	if err := s.exams.Create(ctx, &exam); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exam_create_failed")
		return dto.ExamResponse{}, err
	}

	s.logger.Info().Str("exam_id", exam.ID.String()).Int("questions", len(exam.Questions)).Msg("exam created")
	return dto.NewExamResponse(exam), nil
}

// Start opens a session for the student. Starting twice returns the existing
// session.
func (s *examService) Start(ctx context.Context, actor Actor, examID uuid.UUID) (dto.SessionResponse, error) {
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return dto.SessionResponse{}, err
	}

	existing, err := s.sessions.FindByStudentAndExam(ctx, actor.ID, examID)
	if err == nil {
		return dto.NewSessionResponse(existing, exam.DurationMinutes), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.SessionResponse{}, err
	}

	now := s.now().UTC()
	if !exam.IsActive || (exam.StartTime != nil && now.Before(*exam.StartTime)) || (exam.EndTime != nil && now.After(*exam.EndTime)) {
		return dto.SessionResponse{}, ErrExamClosed
	}

	session := models.ExamSession{
		StudentID:      actor.ID,
		ExamID:         examID,
		Status:         models.SessionStatusActive,
		StartedAt:      now,
		IntegrityScore: 100,
	}
	if err := s.sessions.Create(ctx, &session); err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return dto.SessionResponse{}, err
		}
		// a concurrent start by the same student won the unique index
		raced, lookupErr := s.sessions.FindByStudentAndExam(ctx, actor.ID, examID)
		if lookupErr != nil {
			return dto.SessionResponse{}, err
		}
		return dto.NewSessionResponse(raced, exam.DurationMinutes), nil
	}

	s.publish(ctx, events.TypeSessionStarted, session)
	s.logger.Info().Str("session_id", session.ID.String()).Str("exam_id", examID.String()).Msg("exam session started")
	return dto.NewSessionResponse(session, exam.DurationMinutes), nil
}

func (s *examService) ListQuestions(ctx context.Context, actor Actor, examID uuid.UUID) ([]dto.QuestionView, error) {
	session, err := s.activeSession(ctx, actor, examID)
	if err != nil {
		return nil, err
	}
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	questions, err := s.exams.ListQuestions(ctx, examID)
	if err != nil {
		return nil, err
	}

	if exam.RandomizeQuestions {
		shuffleForSession(session.ID, questions)
	}

	views := make([]dto.QuestionView, 0, len(questions))
	for _, question := range questions {
		views = append(views, dto.NewQuestionView(question))
	}
	return views, nil
}

// SubmitAnswer stores or replaces an answer. The time spent on a question
// accumulates across resubmissions.
func (s *examService) SubmitAnswer(ctx context.Context, actor Actor, examID uuid.UUID, payload dto.SubmitAnswerRequest) (dto.AnswerResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AnswerResponse{}, err
	}
	questionID, err := ParseID("question_id", payload.QuestionID)
	if err != nil {
		return dto.AnswerResponse{}, err
	}

	session, err := s.activeSession(ctx, actor, examID)
	if err != nil {
		return dto.AnswerResponse{}, err
	}

	if _, err := s.exams.GetQuestion(ctx, examID, questionID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AnswerResponse{}, ErrQuestionNotFound
		}
		return dto.AnswerResponse{}, err
	}

	now := s.now().UTC()
	previous := 0
	var firstOpened *time.Time
	existing, err := s.responses.Get(ctx, session.ID, questionID)
	switch {
	case err == nil:
		previous = existing.TimeSpentSeconds
		firstOpened = existing.StartedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dto.AnswerResponse{}, err
	}

	elapsed := 0
	if payload.StartedAt != nil && payload.StartedAt.Before(now) {
		elapsed = int(now.Sub(*payload.StartedAt).Seconds())
		if limit := int(now.Sub(session.StartedAt).Seconds()); elapsed > limit {
			elapsed = max(limit, 0)
		}
	}
	if firstOpened == nil {
		firstOpened = payload.StartedAt
	}

	response := models.Response{
		SessionID:        session.ID,
		QuestionID:       questionID,
		Answer:           payload.Answer,
		StartedAt:        firstOpened,
		SubmittedAt:      &now,
		TimeSpentSeconds: previous + elapsed,
	}
	if err := s.responses.Save(ctx, &response); err != nil {
		return dto.AnswerResponse{}, err
	}

	return dto.AnswerResponse{QuestionID: questionID, TimeSpentSeconds: response.TimeSpentSeconds, SubmittedAt: now}, nil
}

// Finish closes the session and queues grading. Finishing an already
// finished session is a no-op.
func (s *examService) Finish(ctx context.Context, actor Actor, examID uuid.UUID) (dto.FinishExamResponse, error) {
	session, err := s.sessions.FindByStudentAndExam(ctx, actor.ID, examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.FinishExamResponse{}, ErrSessionNotFound
		}
		return dto.FinishExamResponse{}, err
	}

	changed, err := s.sessions.MarkCompleted(ctx, session.ID, s.now().UTC())
	if err != nil {
		return dto.FinishExamResponse{}, err
	}
	if !changed {
		status := session.Status
		if status == models.SessionStatusCompleted {
			status = GradingStatus
		}
		return dto.FinishExamResponse{SessionID: session.ID, Status: status}, nil
	}

	session.Status = models.SessionStatusCompleted
	s.publish(ctx, events.TypeSessionEnded, session)

	if s.grader != nil {
		if err := s.grader.Enqueue(session.ID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", session.ID.String()).Msg("grading not queued, sweeper will retry")
		}
	}

	return dto.FinishExamResponse{SessionID: session.ID, Status: GradingStatus}, nil
}

func (s *examService) RunCode(ctx context.Context, payload dto.RunCodeRequest) (dto.RunCodeResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.RunCodeResponse{}, err
	}
	if s.code == nil {
		return dto.RunCodeResponse{}, ErrSandboxUnavailable
	}

	result, err := s.code.Run(ctx, payload.Code, payload.Language, payload.Stdin)
	if err != nil {
		if errors.Is(err, grading.ErrUnsupportedLanguage) {
			return dto.RunCodeResponse{}, invalid("language", "is not supported")
		}
		s.logger.Warn().Err(err).Str("language", payload.Language).Msg("sandbox run failed")
		return dto.RunCodeResponse{}, ErrSandboxUnavailable
	}

	return dto.RunCodeResponse{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		TimedOut: result.TimedOut,
	}, nil
}

func (s *examService) loadExam(ctx context.Context, examID uuid.UUID) (models.Exam, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Exam{}, ErrExamNotFound
		}
		return models.Exam{}, err
	}
	return exam, nil
}

func (s *examService) activeSession(ctx context.Context, actor Actor, examID uuid.UUID) (models.ExamSession, error) {
	session, err := s.sessions.FindByStudentAndExam(ctx, actor.ID, examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ExamSession{}, ErrSessionNotFound
		}
		return models.ExamSession{}, err
	}
	if session.Status != models.SessionStatusActive {
		return models.ExamSession{}, ErrSessionNotActive
	}
	return session, nil
}

func (s *examService) publish(ctx context.Context, eventType string, session models.ExamSession) {
	if s.publisher == nil {
		return
	}
	event := events.Event{
		Type:           eventType,
		ExamID:         session.ExamID.String(),
		SessionID:      session.ID.String(),
		StudentID:      session.StudentID.String(),
		IntegrityScore: session.IntegrityScore,
		At:             s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID.String()).Msg("failed to publish session event")
	}
}

// shuffleForSession orders questions deterministically per session so a
// student sees the same order on every reload.
func shuffleForSession(sessionID uuid.UUID, questions []models.Question) {
	seed1 := binary.BigEndian.Uint64(sessionID[:8])
	seed2 := binary.BigEndian.Uint64(sessionID[8:])
	rng := rand.New(rand.NewPCG(seed1, seed2))
	rng.Shuffle(len(questions), func(i, j int) {
		questions[i], questions[j] = questions[j], questions[i]
	})
}
