package service

import (
	"strings"

	"github.com/google/uuid"
)

// Actor is the authenticated caller of a service operation.
type Actor struct {
	ID   uuid.UUID
	Role string
}

// IsAdmin reports whether the actor carries the admin role.
func (a Actor) IsAdmin() bool {
	return strings.EqualFold(a.Role, "admin")
}

// canManage reports whether the actor may act on an exam owned by professorID.
func (a Actor) canManage(professorID uuid.UUID) bool {
	return a.IsAdmin() || (a.ID != uuid.Nil && a.ID == professorID)
}
