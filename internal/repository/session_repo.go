package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-proctor-api/internal/models"
)

// ErrStaleVersion is returned when an optimistic write lost against a concurrent update.
var ErrStaleVersion = errors.New("session version changed")

// SessionRepository persists exam sessions and their integrity state.
type SessionRepository interface {
	Create(ctx context.Context, session *models.ExamSession) error
	GetByID(ctx context.Context, id uuid.UUID) (models.ExamSession, error)
	FindByStudentAndExam(ctx context.Context, studentID, examID uuid.UUID) (models.ExamSession, error)
	ListByExam(ctx context.Context, examID uuid.UUID) ([]models.ExamSession, error)
	ListAwaitingGrading(ctx context.Context, finishedBefore time.Time, limit int) ([]models.ExamSession, error)
	AppendViolation(ctx context.Context, entry *models.ProctoringLog, expectedVersion int64, newScore float64) error
	MarkCompleted(ctx context.Context, id uuid.UUID, finishedAt time.Time) (bool, error)
}

type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository constructs a session repository.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Create(ctx context.Context, session *models.ExamSession) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(session).Error
}

func (r *sessionRepository) GetByID(ctx context.Context, id uuid.UUID) (models.ExamSession, error) {
	var session models.ExamSession
	if err := r.db.WithContext(ctx).Preload("Exam").First(&session, "id = ?", id).Error; err != nil {
		return models.ExamSession{}, err
	}
	return session, nil
}

func (r *sessionRepository) FindByStudentAndExam(ctx context.Context, studentID, examID uuid.UUID) (models.ExamSession, error) {
	var session models.ExamSession
	if err := r.db.WithContext(ctx).
		Where("student_id = ? AND exam_id = ?", studentID, examID).
		First(&session).Error; err != nil {
		return models.ExamSession{}, err
	}
	return session, nil
}

func (r *sessionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]models.ExamSession, error) {
	var sessions []models.ExamSession
	if err := r.db.WithContext(ctx).
		Where("exam_id = ?", examID).
		Order("integrity_score ASC").
		Order("started_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepository) ListAwaitingGrading(ctx context.Context, finishedBefore time.Time, limit int) ([]models.ExamSession, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND finished_at IS NOT NULL AND finished_at < ?", models.SessionStatusCompleted, finishedBefore).
		Order("finished_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var sessions []models.ExamSession
	if err := query.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// AppendViolation writes the log entry and the new integrity score in one
// transaction. The score update only applies when the stored version still
// matches expectedVersion.
func (r *sessionRepository) AppendViolation(ctx context.Context, entry *models.ProctoringLog, expectedVersion int64, newScore float64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		result := tx.Model(&models.ExamSession{}).
			Where("id = ? AND version = ?", entry.SessionID, expectedVersion).
			Updates(map[string]interface{}{
				"integrity_score": newScore,
				"version":         gorm.Expr("version + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleVersion
		}
		return nil
	})
}

// MarkCompleted moves an active session to completed. It reports false when
// the session had already left the active state.
func (r *sessionRepository) MarkCompleted(ctx context.Context, id uuid.UUID, finishedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ExamSession{}).
		Where("id = ? AND status = ?", id, models.SessionStatusActive).
		Updates(map[string]interface{}{
			"status":      models.SessionStatusCompleted,
			"finished_at": finishedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
