package repository

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-proctor-api/internal/grading"
	"github.com/noah-isme/gema-proctor-api/internal/models"
)

// ResponseGrade is the outcome of grading one response.
type ResponseGrade struct {
	ResponseID uuid.UUID
	Score      float64
	State      string
	Breakdown  map[string]interface{}
	GradedAt   time.Time
}

// GradingWrite carries everything persisted at the end of a grading run.
type GradingWrite struct {
	SessionID   uuid.UUID
	Grades      []ResponseGrade
	GeneratedAt time.Time
}

// GradingOutcome reports what the grading transaction stored.
type GradingOutcome struct {
	Result  models.Result
	Skipped int
	Graded  bool
}

// OverrideWrite is a professor's manual score for one response.
type OverrideWrite struct {
	SessionID  uuid.UUID
	QuestionID uuid.UUID
	Score      float64
	Note       string
	At         time.Time
}

// OverrideOutcome reports the stored response and the adjusted result, if any.
type OverrideOutcome struct {
	Response models.Response
	Previous float64
	Result   *models.Result
}

// ExamResultRow joins a session with its result for exam-wide listings.
type ExamResultRow struct {
	SessionID        uuid.UUID
	StudentID        uuid.UUID
	Status           string
	IntegrityScore   float64
	TotalScore       *float64
	PendingResponses *int
	GeneratedAt      *time.Time
}

// ResultRepository owns the writes that keep Result.TotalScore equal to the
// sum of the session's response scores.
type ResultRepository interface {
	GetBySession(ctx context.Context, sessionID uuid.UUID) (models.Result, error)
	ListByExam(ctx context.Context, examID uuid.UUID) ([]ExamResultRow, error)
	PersistGrading(ctx context.Context, write GradingWrite) (GradingOutcome, error)
	ApplyOverride(ctx context.Context, write OverrideWrite) (OverrideOutcome, error)
}

type resultRepository struct {
	db *gorm.DB
}

// NewResultRepository constructs the result repository.
func NewResultRepository(db *gorm.DB) ResultRepository {
	return &resultRepository{db: db}
}

func (r *resultRepository) GetBySession(ctx context.Context, sessionID uuid.UUID) (models.Result, error) {
	var result models.Result
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&result).Error; err != nil {
		return models.Result{}, err
	}
	return result, nil
}

func (r *resultRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]ExamResultRow, error) {
	var rows []ExamResultRow
	err := r.db.WithContext(ctx).
		Table("exam_sessions AS s").
		Select("s.id AS session_id, s.student_id, s.status, s.integrity_score, r.total_score, r.pending_responses, r.generated_at").
		Joins("LEFT JOIN results AS r ON r.session_id = s.id").
		Where("s.exam_id = ?", examID).
		Order("r.total_score DESC").
		Order("s.started_at ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// PersistGrading writes the graded responses, recomputes the session total
// and upserts the result in a single transaction. Responses that were
// manually graded in the meantime are left alone.
func (r *resultRepository) PersistGrading(ctx context.Context, write GradingWrite) (GradingOutcome, error) {
	var outcome GradingOutcome

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, grade := range write.Grades {
			updated := tx.Model(&models.Response{}).
				Where("id = ? AND manually_graded = ?", grade.ResponseID, false).
				Updates(map[string]interface{}{
					"score":             grade.Score,
					"grading_state":     grade.State,
					"grading_breakdown": datatypes.JSONMap(grade.Breakdown),
					"graded_at":         grade.GradedAt,
				})
			if updated.Error != nil {
				return updated.Error
			}
			if updated.RowsAffected == 0 {
				outcome.Skipped++
			}
		}

		var session models.ExamSession
		if err := tx.First(&session, "id = ?", write.SessionID).Error; err != nil {
			return err
		}

		total, err := sumScores(tx, write.SessionID)
		if err != nil {
			return err
		}

		var pending int64
		if err := tx.Model(&models.Response{}).
			Where("session_id = ? AND grading_state = ?", write.SessionID, grading.StateDegraded).
			Count(&pending).Error; err != nil {
			return err
		}

		counts, err := countViolations(tx, write.SessionID)
		if err != nil {
			return err
		}
		summary := make(datatypes.JSONMap, len(counts))
		for kind, count := range counts {
			summary[kind] = count
		}

		result := models.Result{
			SessionID:        write.SessionID,
			TotalScore:       total,
			IntegrityScore:   session.IntegrityScore,
			ViolationSummary: summary,
			PendingResponses: int(pending),
			GeneratedAt:      write.GeneratedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_score", "integrity_score", "violation_summary", "pending_responses", "generated_at"}),
		}).Create(&result).Error; err != nil {
			return err
		}

		if pending == 0 {
			if err := tx.Model(&models.ExamSession{}).
				Where("id = ? AND status IN ?", write.SessionID, []string{models.SessionStatusCompleted, models.SessionStatusGraded}).
				Update("status", models.SessionStatusGraded).Error; err != nil {
				return err
			}
			outcome.Graded = true
		}

		if err := tx.Where("session_id = ?", write.SessionID).First(&outcome.Result).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return GradingOutcome{}, err
	}

	return outcome, nil
}

// ApplyOverride stores a manual score and moves the result total by the
// difference between the new and previous score.
func (r *resultRepository) ApplyOverride(ctx context.Context, write OverrideWrite) (OverrideOutcome, error) {
	var outcome OverrideOutcome

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var response models.Response
		if err := tx.Where("session_id = ? AND question_id = ?", write.SessionID, write.QuestionID).
			First(&response).Error; err != nil {
			return err
		}

		previous := 0.0
		if response.Score != nil {
			previous = *response.Score
		}

		breakdown := datatypes.JSONMap{}
		for key, value := range response.GradingBreakdown {
			breakdown[key] = value
		}
		breakdown["needs_review"] = false

		if err := tx.Model(&models.Response{}).
			Where("id = ?", response.ID).
			Updates(map[string]interface{}{
				"score":             write.Score,
				"manually_graded":   true,
				"grading_state":     grading.StateManual,
				"override_note":     write.Note,
				"grading_breakdown": breakdown,
				"graded_at":         write.At,
			}).Error; err != nil {
			return err
		}

		if err := tx.First(&outcome.Response, "id = ?", response.ID).Error; err != nil {
			return err
		}
		outcome.Previous = previous

		var result models.Result
		err := tx.Where("session_id = ?", write.SessionID).First(&result).Error
		switch {
		case err == nil:
			total := roundScore(result.TotalScore - previous + write.Score)
			if err := tx.Model(&models.Result{}).
				Where("id = ?", result.ID).
				Update("total_score", total).Error; err != nil {
				return err
			}
			result.TotalScore = total
			outcome.Result = &result
		case errors.Is(err, gorm.ErrRecordNotFound):
			// not graded yet; the next grading run sums the override in
		default:
			return err
		}

		return nil
	})
	if err != nil {
		return OverrideOutcome{}, err
	}

	return outcome, nil
}

func sumScores(tx *gorm.DB, sessionID uuid.UUID) (float64, error) {
	var total float64
	if err := tx.Model(&models.Response{}).
		Select("COALESCE(SUM(score), 0)").
		Where("session_id = ?", sessionID).
		Row().Scan(&total); err != nil {
		return 0, err
	}
	return roundScore(total), nil
}

func roundScore(value float64) float64 {
	return math.Round(value*100) / 100
}
