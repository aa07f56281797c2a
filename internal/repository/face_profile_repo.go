package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-proctor-api/internal/models"
)

// FaceProfileRepository persists reference face embeddings.
type FaceProfileRepository interface {
	Get(ctx context.Context, studentID uuid.UUID) (models.FaceProfile, error)
	Save(ctx context.Context, profile *models.FaceProfile) error
}

type faceProfileRepository struct {
	db *gorm.DB
}

// NewFaceProfileRepository constructs the face profile repository.
func NewFaceProfileRepository(db *gorm.DB) FaceProfileRepository {
	return &faceProfileRepository{db: db}
}

func (r *faceProfileRepository) Get(ctx context.Context, studentID uuid.UUID) (models.FaceProfile, error) {
	var profile models.FaceProfile
	if err := r.db.WithContext(ctx).First(&profile, "student_id = ?", studentID).Error; err != nil {
		return models.FaceProfile{}, err
	}
	return profile, nil
}

func (r *faceProfileRepository) Save(ctx context.Context, profile *models.FaceProfile) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "student_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"samples", "face_embedding", "updated_at"}),
		}).
		Create(profile).Error
}
