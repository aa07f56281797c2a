package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/grading"
	"github.com/noah-isme/gema-proctor-api/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Exam{},
		&models.Question{},
		&models.ExamSession{},
		&models.Response{},
		&models.Result{},
		&models.ProctoringLog{},
		&models.FaceProfile{},
	))
	return db
}

type seeded struct {
	exam      models.Exam
	session   models.ExamSession
	questions []models.Question
	responses []models.Response
}

func seedSession(t *testing.T, db *gorm.DB) seeded {
	t.Helper()

	exam := models.Exam{
		ProfessorID: uuid.New(),
		Title:       "Networks",
		Questions: []models.Question{
			{Text: "q1", Type: models.QuestionTypeMCQ, CorrectAnswer: "B", Marks: 5, Position: 1},
			{Text: "q2", Type: models.QuestionTypeSubjective, Marks: 10, Position: 2},
		},
	}
	require.NoError(t, db.Create(&exam).Error)

	session := models.ExamSession{StudentID: uuid.New(), ExamID: exam.ID, StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, NewSessionRepository(db).Create(context.Background(), &session))

	responses := make([]models.Response, 0, len(exam.Questions))
	for _, question := range exam.Questions {
		response := models.Response{SessionID: session.ID, QuestionID: question.ID, Answer: "B"}
		require.NoError(t, db.Omit("Question").Create(&response).Error)
		responses = append(responses, response)
	}

	return seeded{exam: exam, session: session, questions: exam.Questions, responses: responses}
}

func TestSessionRepositoryAppendViolationChecksVersion(t *testing.T) {
	db := newTestDB(t)
	data := seedSession(t, db)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	entry := &models.ProctoringLog{SessionID: data.session.ID, ViolationType: "gaze_away", Confidence: 0.8}
	require.NoError(t, repo.AppendViolation(ctx, entry, 0, 80))

	stored, err := repo.GetByID(ctx, data.session.ID)
	require.NoError(t, err)
	require.Equal(t, 80.0, stored.IntegrityScore)
	require.Equal(t, int64(1), stored.Version)
	require.Equal(t, data.exam.ID, stored.Exam.ID)

	stale := &models.ProctoringLog{SessionID: data.session.ID, ViolationType: "tab_switch", Confidence: 1}
	require.ErrorIs(t, repo.AppendViolation(ctx, stale, 0, 60), ErrStaleVersion)

	var logs int64
	require.NoError(t, db.Model(&models.ProctoringLog{}).Count(&logs).Error)
	require.Equal(t, int64(1), logs, "stale write must roll back its log entry")
}

func TestSessionRepositoryMarkCompletedOnlyOnce(t *testing.T) {
	db := newTestDB(t)
	data := seedSession(t, db)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	changed, err := repo.MarkCompleted(ctx, data.session.ID, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = repo.MarkCompleted(ctx, data.session.ID, time.Now())
	require.NoError(t, err)
	require.False(t, changed)

	pending, err := repo.ListAwaitingGrading(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending, err = repo.ListAwaitingGrading(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestResponseRepositorySaveUpdatesAnswerOnly(t *testing.T) {
	db := newTestDB(t)
	data := seedSession(t, db)
	repo := NewResponseRepository(db)
	ctx := context.Background()

	score := 4.0
	require.NoError(t, db.Model(&models.Response{}).Where("id = ?", data.responses[0].ID).
		Updates(map[string]interface{}{"score": score, "grading_state": grading.StateAutoGraded}).Error)

	require.NoError(t, repo.Save(ctx, &models.Response{
		SessionID:        data.session.ID,
		QuestionID:       data.questions[0].ID,
		Answer:           "C",
		TimeSpentSeconds: 42,
	}))

	stored, err := repo.Get(ctx, data.session.ID, data.questions[0].ID)
	require.NoError(t, err)
	require.Equal(t, "C", stored.Answer)
	require.Equal(t, 42, stored.TimeSpentSeconds)
	require.Equal(t, grading.StateAutoGraded, stored.GradingState)
	require.NotNil(t, stored.Score)

	all, err := repo.ListBySession(ctx, data.session.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotEqual(t, uuid.Nil, all[0].Question.ID)
}

func TestResultRepositoryPersistGradingSumsAndSkipsManual(t *testing.T) {
	db := newTestDB(t)
	data := seedSession(t, db)
	repo := NewResultRepository(db)
	ctx := context.Background()

	_, err := NewSessionRepository(db).MarkCompleted(ctx, data.session.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.ProctoringLog{SessionID: data.session.ID, ViolationType: "gaze_away", Confidence: 0.5}).Error)
	require.NoError(t, db.Create(&models.ProctoringLog{SessionID: data.session.ID, ViolationType: "speech_transcript", Confidence: 0}).Error)

	manual := 9.5
	require.NoError(t, db.Model(&models.Response{}).Where("id = ?", data.responses[1].ID).
		Updates(map[string]interface{}{"score": manual, "manually_graded": true, "grading_state": grading.StateManual}).Error)

	now := time.Now().UTC()
	outcome, err := repo.PersistGrading(ctx, GradingWrite{
		SessionID: data.session.ID,
		Grades: []ResponseGrade{
			{ResponseID: data.responses[0].ID, Score: 5, State: grading.StateAutoGraded, Breakdown: map[string]interface{}{"matched": true}, GradedAt: now},
			{ResponseID: data.responses[1].ID, Score: 1, State: grading.StateAutoGraded, GradedAt: now},
		},
		GeneratedAt: now,
	})
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Skipped)
	require.True(t, outcome.Graded)
	require.Equal(t, 14.5, outcome.Result.TotalScore)
	require.Equal(t, 0, outcome.Result.PendingResponses)
	require.EqualValues(t, 1, outcome.Result.ViolationSummary["gaze_away"])
	require.NotContains(t, outcome.Result.ViolationSummary, "speech_transcript")

	var session models.ExamSession
	require.NoError(t, db.First(&session, "id = ?", data.session.ID).Error)
	require.Equal(t, models.SessionStatusGraded, session.Status)

	again, err := repo.PersistGrading(ctx, GradingWrite{
		SessionID: data.session.ID,
		Grades: []ResponseGrade{
			{ResponseID: data.responses[0].ID, Score: 5, State: grading.StateAutoGraded, GradedAt: now},
		},
		GeneratedAt: now,
	})
	require.NoError(t, err)
	require.Equal(t, outcome.Result.ID, again.Result.ID)
	require.Equal(t, 14.5, again.Result.TotalScore)

	var results int64
	require.NoError(t, db.Model(&models.Result{}).Count(&results).Error)
	require.Equal(t, int64(1), results)
}

func TestResultRepositoryPersistGradingKeepsDegradedSessionsCompleted(t *testing.T) {
	db := newTestDB(t)
	data := seedSession(t, db)
	repo := NewResultRepository(db)
	ctx := context.Background()

	_, err := NewSessionRepository(db).MarkCompleted(ctx, data.session.ID, time.Now())
	require.NoError(t, err)

	now := time.Now().UTC()
	outcome, err := repo.PersistGrading(ctx, GradingWrite{
		SessionID: data.session.ID,
		Grades: []ResponseGrade{
			{ResponseID: data.responses[0].ID, Score: 5, State: grading.StateAutoGraded, GradedAt: now},
			{ResponseID: data.responses[1].ID, Score: 0, State: grading.StateDegraded, Breakdown: map[string]interface{}{"degraded": true, "error": "timeout"}, GradedAt: now},
		},
		GeneratedAt: now,
	})
	require.NoError(t, err)
	require.False(t, outcome.Graded)
	require.Equal(t, 1, outcome.Result.PendingResponses)
	require.Equal(t, 5.0, outcome.Result.TotalScore)

	var session models.ExamSession
	require.NoError(t, db.First(&session, "id = ?", data.session.ID).Error)
	require.Equal(t, models.SessionStatusCompleted, session.Status)
}

func TestResultRepositoryApplyOverrideMovesTotalByDelta(t *testing.T) {
	db := newTestDB(t)
	data := seedSession(t, db)
	repo := NewResultRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := repo.PersistGrading(ctx, GradingWrite{
		SessionID: data.session.ID,
		Grades: []ResponseGrade{
			{ResponseID: data.responses[0].ID, Score: 5, State: grading.StateAutoGraded, GradedAt: now},
			{ResponseID: data.responses[1].ID, Score: 3.25, State: grading.StateAutoGraded, Breakdown: map[string]interface{}{"needs_review": true}, GradedAt: now},
		},
		GeneratedAt: now,
	})
	require.NoError(t, err)

	outcome, err := repo.ApplyOverride(ctx, OverrideWrite{
		SessionID:  data.session.ID,
		QuestionID: data.questions[1].ID,
		Score:      7.5,
		Note:       "partial credit",
		At:         now,
	})
	require.NoError(t, err)
	require.Equal(t, 3.25, outcome.Previous)
	require.NotNil(t, outcome.Result)
	require.Equal(t, 12.5, outcome.Result.TotalScore)
	require.True(t, outcome.Response.ManuallyGraded)
	require.Equal(t, grading.StateManual, outcome.Response.GradingState)
	require.Equal(t, false, outcome.Response.GradingBreakdown["needs_review"])

	_, err = repo.ApplyOverride(ctx, OverrideWrite{SessionID: data.session.ID, QuestionID: uuid.New(), Score: 1, At: now})
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	rows, err := repo.ListByExam(ctx, data.exam.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].TotalScore)
	require.Equal(t, 12.5, *rows[0].TotalScore)
}

func TestProctoringLogRepositoryRecentAndCounts(t *testing.T) {
	db := newTestDB(t)
	data := seedSession(t, db)
	repo := NewProctoringLogRepository(db)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		require.NoError(t, db.Create(&models.ProctoringLog{
			SessionID:     data.session.ID,
			ViolationType: "tab_switch",
			Confidence:    1,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	recent, err := repo.Recent(ctx, data.session.ID, 5)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	require.True(t, recent[0].CreatedAt.After(recent[4].CreatedAt))

	counts, err := repo.CountByType(ctx, data.session.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"tab_switch": 7}, counts)
}

func TestFaceProfileRepositorySaveUpserts(t *testing.T) {
	db := newTestDB(t)
	repo := NewFaceProfileRepository(db)
	ctx := context.Background()
	student := uuid.New()

	first := &models.FaceProfile{StudentID: student}
	first.Samples = datatypes.NewJSONType(map[string][]float64{"center": {1, 2}})
	require.NoError(t, repo.Save(ctx, first))

	second := &models.FaceProfile{StudentID: student}
	second.Samples = datatypes.NewJSONType(map[string][]float64{"center": {3, 4}, "left": {5, 6}})
	require.NoError(t, repo.Save(ctx, second))

	stored, err := repo.Get(ctx, student)
	require.NoError(t, err)
	require.Len(t, stored.Samples.Data(), 2)
}
