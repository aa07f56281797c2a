package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/models"
)

// ExamRepository persists exams and their questions.
type ExamRepository interface {
	Create(ctx context.Context, exam *models.Exam) error
	GetByID(ctx context.Context, id uuid.UUID) (models.Exam, error)
	ListQuestions(ctx context.Context, examID uuid.UUID) ([]models.Question, error)
	GetQuestion(ctx context.Context, examID, questionID uuid.UUID) (models.Question, error)
}

type examRepository struct {
	db *gorm.DB
}

// NewExamRepository constructs an exam repository.
func NewExamRepository(db *gorm.DB) ExamRepository {
	return &examRepository{db: db}
}

func (r *examRepository) Create(ctx context.Context, exam *models.Exam) error {
	return r.db.WithContext(ctx).Create(exam).Error
}

func (r *examRepository) GetByID(ctx context.Context, id uuid.UUID) (models.Exam, error) {
	var exam models.Exam
	if err := r.db.WithContext(ctx).First(&exam, "id = ?", id).Error; err != nil {
		return models.Exam{}, err
	}
	return exam, nil
}

func (r *examRepository) ListQuestions(ctx context.Context, examID uuid.UUID) ([]models.Question, error) {
	var questions []models.Question
	if err := r.db.WithContext(ctx).
		Where("exam_id = ?", examID).
		Order("position ASC").
		Order("created_at ASC").
		Find(&questions).Error; err != nil {
		return nil, err
	}
	return questions, nil
}

func (r *examRepository) GetQuestion(ctx context.Context, examID, questionID uuid.UUID) (models.Question, error) {
	var question models.Question
	if err := r.db.WithContext(ctx).
		Where("id = ? AND exam_id = ?", questionID, examID).
		First(&question).Error; err != nil {
		return models.Question{}, err
	}
	return question, nil
}
