package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/models"
)

// Migrate creates or updates the proctoring schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Exam{},
		&models.Question{},
		&models.ExamSession{},
		&models.ProctoringLog{},
		&models.FaceProfile{},
		&models.Response{},
		&models.Result{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
