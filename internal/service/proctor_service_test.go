package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/events"
	"github.com/noah-isme/gema-proctor-api/internal/grading"
	"github.com/noah-isme/gema-proctor-api/internal/integrity"
	"github.com/noah-isme/gema-proctor-api/internal/lock"
	"github.com/noah-isme/gema-proctor-api/internal/models"
	"github.com/noah-isme/gema-proctor-api/internal/repository"
	"github.com/noah-isme/gema-proctor-api/internal/worker"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fakeEmbedder struct {
	err error
}

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float64{1, 2, 3, float64(len(text) % 3)}, nil
}

type fakeRunner struct {
	outputs map[string]string
	err     error
}

func (f fakeRunner) Supports(language string) bool { return language == "python" }

func (f fakeRunner) Run(_ context.Context, req grading.RunRequest) (grading.RunResult, error) {
	if f.err != nil {
		return grading.RunResult{}, f.err
	}
	return grading.RunResult{Stdout: f.outputs[req.Stdin] + "\n"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type recordingJobs struct {
	jobs []worker.Job
}

func (r *recordingJobs) TrySubmit(job worker.Job) error {
	r.jobs = append(r.jobs, job)
	return nil
}

type fixture struct {
	db        *gorm.DB
	exam      models.Exam
	sessions  repository.SessionRepository
	responses repository.ResponseRepository
	results   repository.ResultRepository
	exams     repository.ExamRepository
	locker    lock.Locker
	publisher *recordingPublisher
	validate  *validator.Validate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Exam{},
		&models.Question{},
		&models.ExamSession{},
		&models.Response{},
		&models.Result{},
		&models.ProctoringLog{},
		&models.FaceProfile{},
	))

	exam := models.Exam{
		ProfessorID:     uuid.New(),
		Title:           "Algorithms",
		DurationMinutes: 60,
		NegativeMarking: 0.25,
		IsActive:        true,
		Questions: []models.Question{
			{Text: "Pick one", Type: models.QuestionTypeMCQ, CorrectAnswer: "B", Marks: 5, Position: 1},
			{
				Text:          "Explain hashing",
				Type:          models.QuestionTypeSubjective,
				CorrectAnswer: "hashing maps keys to buckets",
				Keywords:      datatypes.JSONSlice[string]{"hashing", "buckets"},
				Marks:         10,
				Position:      2,
			},
			{
				Text:         "Add two numbers",
				Type:         models.QuestionTypeCode,
				Marks:        4,
				Position:     3,
				CodeLanguage: "python",
				TestCases: datatypes.JSONSlice[grading.TestCase]{
					{Input: "2 3", ExpectedOutput: "5"},
					{Input: "1 1", ExpectedOutput: "2"},
				},
			},
		},
	}
	require.NoError(t, db.Create(&exam).Error)

	return &fixture{
		db:        db,
		exam:      exam,
		sessions:  repository.NewSessionRepository(db),
		responses: repository.NewResponseRepository(db),
		results:   repository.NewResultRepository(db),
		exams:     repository.NewExamRepository(db),
		locker:    lock.NewLocalLocker(10 * time.Second),
		publisher: &recordingPublisher{},
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// finishedSession creates a completed session with one answer per question.
func (f *fixture) finishedSession(t *testing.T, answers ...string) models.ExamSession {
	t.Helper()

	finished := time.Now().Add(-10 * time.Minute)
	session := models.ExamSession{
		StudentID:      uuid.New(),
		ExamID:         f.exam.ID,
		Status:         models.SessionStatusCompleted,
		StartedAt:      finished.Add(-time.Hour),
		FinishedAt:     &finished,
		IntegrityScore: 100,
	}
	require.NoError(t, f.sessions.Create(context.Background(), &session))

	for i, answer := range answers {
		response := models.Response{SessionID: session.ID, QuestionID: f.exam.Questions[i].ID, Answer: answer}
		require.NoError(t, f.db.Create(&response).Error)
	}
	return session
}

func (f *fixture) activeSession(t *testing.T) models.ExamSession {
	t.Helper()
	session := models.ExamSession{
		StudentID:      uuid.New(),
		ExamID:         f.exam.ID,
		Status:         models.SessionStatusActive,
		StartedAt:      time.Now().Add(-time.Minute),
		IntegrityScore: 100,
	}
	require.NoError(t, f.sessions.Create(context.Background(), &session))
	return session
}

func (f *fixture) integrity() IntegrityService {
	return NewIntegrityService(f.sessions, integrity.NewEngine(integrity.DefaultWeights()), f.locker, f.publisher, testLogger())
}

func (f *fixture) grader(embedder grading.TextEmbedder, runner grading.CodeRunner) GradingService {
	return NewGradingService(GradingDeps{
		Sessions:   f.sessions,
		Responses:  f.responses,
		Results:    f.results,
		Subjective: grading.NewSubjectiveGrader(embedder),
		Code:       grading.NewCodeGrader(runner, grading.CodeGraderConfig{CaseTimeout: time.Second, Concurrency: 2}),
		Locker:     f.locker,
		Publisher:  f.publisher,
	}, GradingConfig{SweepGrace: time.Minute}, testLogger())
}

func passingRunner() fakeRunner {
	return fakeRunner{outputs: map[string]string{"2 3": "5", "1 1": "2"}}
}

func TestIntegrityServiceConcurrentViolationsApplyEveryPenalty(t *testing.T) {
	f := newFixture(t)
	session := f.activeSession(t)
	svc := f.integrity()

	// penalty points at confidence 0.1
	penalties := map[string]float64{
		"phone_detected": 3,
		"tab_switch":     2,
		"copy_paste":     1,
	}
	kinds := []string{"phone_detected", "tab_switch", "copy_paste"}

	const rounds = 7
	reports := rounds * len(kinds)
	expected := 100.0
	var wg sync.WaitGroup
	errs := make(chan error, reports)
	for i := 0; i < reports; i++ {
		kind := kinds[i%len(kinds)]
		expected -= penalties[kind]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ReportViolation(context.Background(), session.ID, kind, 0.1, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	current, err := svc.Current(context.Background(), session.ID)
	require.NoError(t, err)
	require.InDelta(t, 58.0, expected, 1e-9)
	require.InDelta(t, expected, current.IntegrityScore, 1e-9)
	require.EqualValues(t, reports, current.Version)

	for _, kind := range kinds {
		var logged int64
		require.NoError(t, f.db.Model(&models.ProctoringLog{}).
			Where("session_id = ? AND violation_type = ?", session.ID, kind).
			Count(&logged).Error)
		require.EqualValues(t, rounds, logged, kind)
	}
}

func TestIntegrityServiceValidation(t *testing.T) {
	f := newFixture(t)
	svc := f.integrity()
	session := f.activeSession(t)

	_, err := svc.ReportViolation(context.Background(), session.ID, "  ", 0.5, nil)
	require.True(t, IsValidation(err))

	_, err = svc.ReportViolation(context.Background(), uuid.New(), "tab_switch", 0.5, nil)
	require.ErrorIs(t, err, ErrSessionNotFound)

	outcome, err := svc.ReportViolation(context.Background(), session.ID, "phone_detected", 2, nil)
	require.NoError(t, err)
	require.Equal(t, 1.0, outcome.Confidence)
	require.InDelta(t, 70.0, outcome.IntegrityScore, 1e-9)
	require.Equal(t, []string{events.TypeViolation}, f.publisher.types())
}

func TestIntegrityServiceAcceptsCompletedRejectsGraded(t *testing.T) {
	f := newFixture(t)
	session := f.finishedSession(t)
	svc := f.integrity()

	outcome, err := svc.ReportViolation(context.Background(), session.ID, "tab_switch", 0.9, nil)
	require.NoError(t, err)
	require.InDelta(t, 82.0, outcome.IntegrityScore, 1e-9)

	var logged int64
	require.NoError(t, f.db.Model(&models.ProctoringLog{}).Where("session_id = ?", session.ID).Count(&logged).Error)
	require.EqualValues(t, 1, logged)

	require.NoError(t, f.db.Model(&models.ExamSession{}).Where("id = ?", session.ID).
		Update("status", models.SessionStatusGraded).Error)

	_, err = svc.ReportViolation(context.Background(), session.ID, "tab_switch", 0.9, nil)
	require.ErrorIs(t, err, ErrSessionNotActive)

	current, err := svc.Current(context.Background(), session.ID)
	require.NoError(t, err)
	require.InDelta(t, 82.0, current.IntegrityScore, 1e-9)
}

func TestProctoringServiceTranscriptTiers(t *testing.T) {
	f := newFixture(t)
	session := f.activeSession(t)
	svc := NewProctoringService(f.integrity(), nil, nil, f.validate, testLogger())

	neutral, err := svc.SubmitTranscript(context.Background(), session.StudentID, dto.TranscriptRequest{
		SessionID: session.ID.String(),
		Text:      "okay let me think",
	})
	require.NoError(t, err)
	require.False(t, neutral.Penalised)
	require.Equal(t, 100.0, neutral.IntegrityScore)

	cheating, err := svc.SubmitTranscript(context.Background(), session.StudentID, dto.TranscriptRequest{
		SessionID: session.ID.String(),
		Text:      "<b>tell me the correct answer</b>",
	})
	require.NoError(t, err)
	require.True(t, cheating.Penalised)
	require.Equal(t, 1, cheating.Tier)
	require.InDelta(t, 68.5, cheating.IntegrityScore, 1e-9)

	var entries []models.ProctoringLog
	require.NoError(t, f.db.Where("session_id = ?", session.ID).Order("created_at ASC").Find(&entries).Error)
	require.Len(t, entries, 2)
	require.Equal(t, string(integrity.KindSpeechTranscript), entries[0].ViolationType)
	require.Zero(t, entries[0].Confidence)
	require.Equal(t, "tell me the correct answer", entries[1].Payload["transcript"])
}

func TestProctoringServiceSignalsRequireOwnership(t *testing.T) {
	f := newFixture(t)
	session := f.activeSession(t)
	svc := NewProctoringService(f.integrity(), nil, nil, f.validate, testLogger())

	_, err := svc.SubmitRAF(context.Background(), uuid.New(), dto.RAFRequest{SessionID: session.ID.String(), DeltaMS: 900})
	require.ErrorIs(t, err, ErrForbidden)

	quiet, err := svc.SubmitAudio(context.Background(), session.StudentID, dto.AudioRequest{SessionID: session.ID.String(), VoiceEnergy: 10})
	require.NoError(t, err)
	require.Empty(t, quiet.Violations)

	switched, err := svc.SubmitRAF(context.Background(), session.StudentID, dto.RAFRequest{SessionID: session.ID.String(), DeltaMS: 900})
	require.NoError(t, err)
	require.Equal(t, []string{"raf_tab_switch"}, switched.Violations)
	require.InDelta(t, 81.0, switched.IntegrityScore, 1e-9)
}

func TestGradingServiceGradesSessionIdempotently(t *testing.T) {
	f := newFixture(t)
	session := f.finishedSession(t, "b", "hashing maps keys to buckets", "print(sum(map(int, input().split())))")
	svc := f.grader(fakeEmbedder{}, passingRunner())

	first, err := svc.GradeSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.InDelta(t, 19.0, first.TotalScore, 1e-9)
	require.Zero(t, first.PendingResponses)

	second, err := svc.GradeSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.InDelta(t, first.TotalScore, second.TotalScore, 1e-9)

	stored, err := f.sessions.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusGraded, stored.Status)
	require.Contains(t, f.publisher.types(), events.TypeSessionGraded)

	var results int64
	require.NoError(t, f.db.Model(&models.Result{}).Where("session_id = ?", session.ID).Count(&results).Error)
	require.EqualValues(t, 1, results)
}

func TestGradingServiceAppliesNegativeMarking(t *testing.T) {
	f := newFixture(t)
	session := f.finishedSession(t, "A", "", "")
	svc := f.grader(fakeEmbedder{}, passingRunner())

	result, err := svc.GradeSession(context.Background(), session.ID)
	require.NoError(t, err)

	responses, err := f.responses.ListBySession(context.Background(), session.ID)
	require.NoError(t, err)
	for _, response := range responses {
		if response.Question.Type == models.QuestionTypeMCQ {
			require.InDelta(t, -1.25, *response.Score, 1e-9)
		}
		if response.Question.Type == models.QuestionTypeCode {
			require.Zero(t, *response.Score)
		}
	}
	require.InDelta(t, -1.25+subjectiveScore(t, responses), result.TotalScore, 1e-9)
}

func subjectiveScore(t *testing.T, responses []models.Response) float64 {
	t.Helper()
	for _, response := range responses {
		if response.Question.Type == models.QuestionTypeSubjective {
			return *response.Score
		}
	}
	t.Fatal("subjective response missing")
	return 0
}

func TestGradingServiceDegradesWhenEmbeddingFails(t *testing.T) {
	f := newFixture(t)
	session := f.finishedSession(t, "B", "hashing maps keys to buckets", "code")
	svc := f.grader(fakeEmbedder{err: errors.New("provider down")}, passingRunner())

	result, err := svc.GradeSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, 1, result.PendingResponses)
	require.InDelta(t, 9.0, result.TotalScore, 1e-9)

	stored, err := f.sessions.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCompleted, stored.Status)

	response, err := f.responses.Get(context.Background(), session.ID, f.exam.Questions[1].ID)
	require.NoError(t, err)
	require.Equal(t, grading.StateDegraded, response.GradingState)
	require.Equal(t, true, response.GradingBreakdown["degraded"])

	recovered := f.grader(fakeEmbedder{}, passingRunner())
	graded, err := recovered.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, graded)
}

func TestGradingServiceBlankSubjectiveNeedsNoEmbedder(t *testing.T) {
	f := newFixture(t)
	session := f.finishedSession(t, "B", "   ", "code")
	svc := NewGradingService(GradingDeps{
		Sessions:  f.sessions,
		Responses: f.responses,
		Results:   f.results,
		Code:      grading.NewCodeGrader(passingRunner(), grading.CodeGraderConfig{CaseTimeout: time.Second, Concurrency: 2}),
		Locker:    f.locker,
		Publisher: f.publisher,
	}, GradingConfig{SweepGrace: time.Minute}, testLogger())

	result, err := svc.GradeSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Zero(t, result.PendingResponses)

	stored, err := f.sessions.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusGraded, stored.Status)

	response, err := f.responses.Get(context.Background(), session.ID, f.exam.Questions[1].ID)
	require.NoError(t, err)
	require.Equal(t, grading.StateAutoGraded, response.GradingState)
	require.Equal(t, true, response.GradingBreakdown["needs_review"])
	require.Equal(t, 0.0, response.GradingBreakdown["semantic"])
}

func TestGradingServiceSandboxOutageDegradesCode(t *testing.T) {
	f := newFixture(t)
	session := f.finishedSession(t, "B", "hashing maps keys to buckets", "code")
	svc := f.grader(fakeEmbedder{}, fakeRunner{err: errors.New("daemon unreachable")})

	result, err := svc.GradeSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, 1, result.PendingResponses)
	require.InDelta(t, 15.0, result.TotalScore, 1e-9)
}

func TestGradingServiceRejectsActiveSession(t *testing.T) {
	f := newFixture(t)
	session := f.activeSession(t)

	_, err := f.grader(fakeEmbedder{}, passingRunner()).GradeSession(context.Background(), session.ID)
	require.ErrorIs(t, err, ErrSessionNotFinished)
}

func TestOverrideServiceSurvivesRegrading(t *testing.T) {
	f := newFixture(t)
	session := f.finishedSession(t, "B", "hashing maps keys to buckets", "code")
	grader := f.grader(fakeEmbedder{}, passingRunner())
	overrides := NewOverrideService(f.sessions, f.exams, f.results, f.locker, f.validate, testLogger())
	professor := Actor{ID: f.exam.ProfessorID, Role: "professor"}

	_, err := grader.GradeSession(context.Background(), session.ID)
	require.NoError(t, err)

	score := 3.0
	updated, err := overrides.Override(context.Background(), professor, session.ID, f.exam.Questions[1].ID, dto.OverrideRequest{
		Score: &score,
		Note:  "<script>x</script>partial credit",
	})
	require.NoError(t, err)
	require.InDelta(t, 10.0, updated.PreviousScore, 1e-9)
	require.NotNil(t, updated.TotalScore)
	require.InDelta(t, 12.0, *updated.TotalScore, 1e-9)
	require.Equal(t, "partial credit", updated.Response.OverrideNote)
	require.False(t, updated.Response.NeedsReview)

	regraded, err := grader.GradeSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.InDelta(t, 12.0, regraded.TotalScore, 1e-9)
}

func TestOverrideServiceBoundsAndOwnership(t *testing.T) {
	f := newFixture(t)
	session := f.finishedSession(t, "B", "text", "code")
	overrides := NewOverrideService(f.sessions, f.exams, f.results, f.locker, f.validate, testLogger())
	professor := Actor{ID: f.exam.ProfessorID, Role: "professor"}
	question := f.exam.Questions[0].ID

	tooHigh := 5.5
	_, err := overrides.Override(context.Background(), professor, session.ID, question, dto.OverrideRequest{Score: &tooHigh})
	require.ErrorIs(t, err, ErrScoreExceedsMax)

	tooLow := -6.0
	_, err = overrides.Override(context.Background(), professor, session.ID, question, dto.OverrideRequest{Score: &tooLow})
	require.True(t, IsValidation(err))

	fine := 2.0
	_, err = overrides.Override(context.Background(), Actor{ID: uuid.New(), Role: "professor"}, session.ID, question, dto.OverrideRequest{Score: &fine})
	require.ErrorIs(t, err, ErrForbidden)

	// no result yet, so only the response changes
	stored, err := overrides.Override(context.Background(), Actor{ID: uuid.New(), Role: "admin"}, session.ID, question, dto.OverrideRequest{Score: &fine})
	require.NoError(t, err)
	require.Nil(t, stored.TotalScore)
	require.True(t, stored.Response.ManuallyGraded)
}

func TestExamServiceSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	jobs := &recordingJobs{}
	grader := NewGradingService(GradingDeps{
		Sessions:  f.sessions,
		Responses: f.responses,
		Results:   f.results,
		Locker:    f.locker,
		Jobs:      jobs,
	}, GradingConfig{}, testLogger())
	svc := NewExamService(ExamDeps{
		Exams:     f.exams,
		Sessions:  f.sessions,
		Responses: f.responses,
		Grader:    grader,
		Publisher: f.publisher,
	}, f.validate, testLogger())
	student := Actor{ID: uuid.New(), Role: "student"}
	ctx := context.Background()

	started, err := svc.Start(ctx, student, f.exam.ID)
	require.NoError(t, err)
	again, err := svc.Start(ctx, student, f.exam.ID)
	require.NoError(t, err)
	require.Equal(t, started.ID, again.ID)
	require.NoError(t, f.db.Model(&models.ExamSession{}).Where("id = ?", started.ID).Update("started_at", time.Now().Add(-10*time.Minute)).Error)

	questions, err := svc.ListQuestions(ctx, student, f.exam.ID)
	require.NoError(t, err)
	require.Len(t, questions, 3)

	opened := time.Now().Add(-30 * time.Second)
	first, err := svc.SubmitAnswer(ctx, student, f.exam.ID, dto.SubmitAnswerRequest{
		QuestionID: f.exam.Questions[0].ID.String(),
		Answer:     "A",
		StartedAt:  &opened,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, first.TimeSpentSeconds, 29)

	second, err := svc.SubmitAnswer(ctx, student, f.exam.ID, dto.SubmitAnswerRequest{
		QuestionID: f.exam.Questions[0].ID.String(),
		Answer:     "B",
		StartedAt:  &opened,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, second.TimeSpentSeconds, first.TimeSpentSeconds*2)

	stored, err := f.responses.Get(ctx, started.ID, f.exam.Questions[0].ID)
	require.NoError(t, err)
	require.Equal(t, "B", stored.Answer)

	finished, err := svc.Finish(ctx, student, f.exam.ID)
	require.NoError(t, err)
	require.Equal(t, GradingStatus, finished.Status)
	require.Len(t, jobs.jobs, 1)

	_, err = svc.SubmitAnswer(ctx, student, f.exam.ID, dto.SubmitAnswerRequest{QuestionID: f.exam.Questions[0].ID.String(), Answer: "C"})
	require.ErrorIs(t, err, ErrSessionNotActive)

	repeated, err := svc.Finish(ctx, student, f.exam.ID)
	require.NoError(t, err)
	require.Equal(t, GradingStatus, repeated.Status)
	require.Len(t, jobs.jobs, 1)

	require.Equal(t, []string{events.TypeSessionStarted, events.TypeSessionEnded}, f.publisher.types())
}

func TestExamServiceRejectsClosedExam(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&models.Exam{}).Where("id = ?", f.exam.ID).Update("is_active", false).Error)
	svc := NewExamService(ExamDeps{Exams: f.exams, Sessions: f.sessions, Responses: f.responses}, f.validate, testLogger())

	_, err := svc.Start(context.Background(), Actor{ID: uuid.New(), Role: "student"}, f.exam.ID)
	require.ErrorIs(t, err, ErrExamClosed)
}

func TestResultServiceGradesCompletedSessionInline(t *testing.T) {
	f := newFixture(t)
	session := f.finishedSession(t, "B", "hashing maps keys to buckets", "code")
	results := NewResultService(f.sessions, f.exams, f.responses, f.results, f.grader(fakeEmbedder{}, passingRunner()), testLogger())

	view, err := results.SessionResult(context.Background(), Actor{ID: session.StudentID, Role: "student"}, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusGraded, view.Status)
	require.InDelta(t, 19.0, view.TotalScore, 1e-9)
	require.InDelta(t, 19.0, view.MaxScore, 1e-9)
	require.Len(t, view.Responses, 3)

	_, err = results.SessionResult(context.Background(), Actor{ID: uuid.New(), Role: "student"}, session.ID)
	require.ErrorIs(t, err, ErrForbidden)

	active := f.activeSession(t)
	_, err = results.SessionResult(context.Background(), Actor{ID: active.StudentID, Role: "student"}, active.ID)
	require.ErrorIs(t, err, ErrGradingInProgress)

	rows, err := results.ExamResults(context.Background(), Actor{ID: f.exam.ProfessorID, Role: "professor"}, f.exam.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestMonitorServiceOrdersByIntegrity(t *testing.T) {
	f := newFixture(t)
	calm := f.activeSession(t)
	noisy := f.activeSession(t)
	integritySvc := f.integrity()
	_, err := integritySvc.ReportViolation(context.Background(), noisy.ID, "tab_switch", 1, nil)
	require.NoError(t, err)

	monitor := NewMonitorService(f.exams, f.sessions, repository.NewProctoringLogRepository(f.db), nil, testLogger())
	views, err := monitor.LiveSessions(context.Background(), Actor{ID: f.exam.ProfessorID, Role: "professor"}, f.exam.ID)
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, noisy.ID, views[0].SessionID)
	require.EqualValues(t, 1, views[0].ViolationCounts["tab_switch"])
	require.Len(t, views[0].RecentViolations, 1)
	require.NotEmpty(t, views[0].RecentViolations[0].Explanation)
	require.Equal(t, calm.ID, views[1].SessionID)

	_, err = monitor.LiveSessions(context.Background(), Actor{ID: uuid.New(), Role: "professor"}, f.exam.ID)
	require.ErrorIs(t, err, ErrForbidden)
}
