package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/models"
)

// ProctoringLogRepository reads the append-only violation log. Writes go
// through SessionRepository.AppendViolation.
type ProctoringLogRepository interface {
	CountByType(ctx context.Context, sessionID uuid.UUID) (map[string]int64, error)
	Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ProctoringLog, error)
}

type proctoringLogRepository struct {
	db *gorm.DB
}

// NewProctoringLogRepository constructs the log reader.
func NewProctoringLogRepository(db *gorm.DB) ProctoringLogRepository {
	return &proctoringLogRepository{db: db}
}

// CountByType counts penalising entries per violation type.
func (r *proctoringLogRepository) CountByType(ctx context.Context, sessionID uuid.UUID) (map[string]int64, error) {
	return countViolations(r.db.WithContext(ctx), sessionID)
}

func (r *proctoringLogRepository) Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ProctoringLog, error) {
	if limit <= 0 {
		limit = 5
	}

	var entries []models.ProctoringLog
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND confidence > 0", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func countViolations(db *gorm.DB, sessionID uuid.UUID) (map[string]int64, error) {
	type row struct {
		ViolationType string
		Total         int64
	}

	var rows []row
	if err := db.Model(&models.ProctoringLog{}).
		Select("violation_type, COUNT(*) AS total").
		Where("session_id = ? AND confidence > 0", sessionID).
		Group("violation_type").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, item := range rows {
		counts[item.ViolationType] = item.Total
	}
	return counts, nil
}
