package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrExamNotFound indicates the exam does not exist.
	ErrExamNotFound = errors.New("exam not found")
	// ErrQuestionNotFound indicates the question is not part of the exam.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrSessionNotFound indicates the exam session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrResponseNotFound indicates no answer exists for the question.
	ErrResponseNotFound = errors.New("response not found")
	// ErrForbidden indicates the caller does not own the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrSessionNotActive indicates the session no longer accepts answers or signals.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrExamClosed indicates the exam cannot be started at this time.
	ErrExamClosed = errors.New("exam is not open")
	// ErrConcurrentUpdate indicates a write lost repeatedly against concurrent updates. It is transient.
	ErrConcurrentUpdate = errors.New("concurrent update, retry")
	// ErrScoreExceedsMax indicates an override above the question marks.
	ErrScoreExceedsMax = errors.New("score exceeds question marks")
	// ErrSessionNotFinished indicates grading was requested for a session still in progress.
	ErrSessionNotFinished = errors.New("session has not been finished")
	// ErrSandboxUnavailable indicates no code runner is configured.
	ErrSandboxUnavailable = errors.New("code sandbox unavailable")
	// ErrGradingInProgress indicates results are not available yet.
	ErrGradingInProgress = errors.New("grading in progress")
)

// ValidationError reports a rejected input that is not expressed through
// struct tags.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// ParseID parses an identifier supplied by a client.
func ParseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, invalid(field, "must be a valid uuid")
	}
	return id, nil
}
