package model

import (
	"github.com/google/uuid"
)

type UserRole string

const (
	UserRoleAdmin   UserRole = "ADMIN"
	UserRoleAuditor UserRole = "AUDITOR"
	UserRoleViewer  UserRole = "VIEWER"
)

type Principal struct {
	UserID uuid.UUID
	Role   UserRole
}

func (p Principal) IsAdmin() bool {
	return p.Role == UserRoleAdmin
}

// CanRunPipelines reports whether the user may start detection or
// comparison runs and edit plots.
func (p Principal) CanRunPipelines() bool {
	return p.Role == UserRoleAdmin || p.Role == UserRoleAuditor
}
