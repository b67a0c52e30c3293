package identity

import (
	"context"
	"strings"
)

// Role is the marketplace side a user acts on.
type Role string

const (
	RoleBrand   Role = "brand"
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
)

// User is the display identity of a marketplace account.
type User struct {
	ID          string
	DisplayName string
	Avatar      string
	Role        Role
}

// Directory resolves user ids. Implementations return NotFoundError for unknown ids
// and an ErrUnavailable-kinded error when the backing service cannot answer.
type Directory interface {
	LookupUser(ctx context.Context, id string) (User, error)
}

// NormalizeUserID trims surrounding whitespace. Ids are opaque and case-sensitive.
func NormalizeUserID(s string) string {
	return strings.TrimSpace(s)
}
