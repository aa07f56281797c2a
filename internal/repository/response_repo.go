package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-proctor-api/internal/models"
)

// ResponseRepository persists student answers.
type ResponseRepository interface {
	Get(ctx context.Context, sessionID, questionID uuid.UUID) (models.Response, error)
	Save(ctx context.Context, response *models.Response) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Response, error)
}

type responseRepository struct {
	db *gorm.DB
}

// NewResponseRepository constructs a response repository.
func NewResponseRepository(db *gorm.DB) ResponseRepository {
	return &responseRepository{db: db}
}

func (r *responseRepository) Get(ctx context.Context, sessionID, questionID uuid.UUID) (models.Response, error) {
	var response models.Response
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND question_id = ?", sessionID, questionID).
		First(&response).Error; err != nil {
		return models.Response{}, err
	}
	return response, nil
}

// Save inserts a new answer or updates the answer text and timing of an
// existing one. Grading columns are never touched here.
func (r *responseRepository) Save(ctx context.Context, response *models.Response) error {
	return r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "question_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"answer", "submitted_at", "time_spent_seconds"}),
		}).
		Create(response).Error
}

// ListBySession returns every response of a session with its question.
func (r *responseRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Response, error) {
	var responses []models.Response
	if err := r.db.WithContext(ctx).
		Preload("Question").
		Where("session_id = ?", sessionID).
		Find(&responses).Error; err != nil {
		return nil, err
	}
	return responses, nil
}
