// Package domain contains core business entities for the CIRCLE platform.
// This file defines user and permission models.
package domain

import (
	"slices"
	"time"
)

// =============================================================================
// USER - User account management
// =============================================================================

// Role represents a user's role in the system.
type Role string

const (
	RoleAdmin    Role = "admin"    // All permissions
	RoleOperator Role = "operator" // Instance lifecycle and node read
	RoleViewer   Role = "viewer"   // Read-only access
)

// User represents a user account in the system.
type User struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	Email        string       `json:"email"`
	PasswordHash string       `json:"-"`
	Role         Role         `json:"role"`
	IsSuperuser  bool         `json:"is_superuser"`
	Permissions  []Permission `json:"permissions,omitempty"`
	Enabled      bool         `json:"enabled"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	LastLogin    *time.Time   `json:"last_login,omitempty"`
}

// HasPerms reports whether the user holds every listed permission, either
// through its role or through an explicit grant. Superuser status does not
// imply permissions.
func (u *User) HasPerms(perms ...Permission) bool {
	if u == nil {
		return len(perms) == 0
	}
	for _, p := range perms {
		if !HasPermission(u.Role, p) && !slices.Contains(u.Permissions, p) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.Permissions = slices.Clone(u.Permissions)
	if u.LastLogin != nil {
		t := *u.LastLogin
		out.LastLogin = &t
	}
	return &out
}

// =============================================================================
// PERMISSIONS
// =============================================================================

// Permission represents a specific action on a resource type.
type Permission string

const (
	PermissionInstanceCreate  Permission = "instance:create"
	PermissionInstanceRead    Permission = "instance:read"
	PermissionInstancePower   Permission = "instance:power"
	PermissionInstanceDestroy Permission = "instance:destroy"
	PermissionInstanceMigrate Permission = "instance:migrate"
	PermissionInstanceRenew   Permission = "instance:renew"

	PermissionNodeRead   Permission = "node:read"
	PermissionNodeUpdate Permission = "node:update"
	PermissionNodeFlush  Permission = "node:flush"

	PermissionActivityRead Permission = "activity:read"
)

// RolePermissions defines which permissions each role has.
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionInstanceCreate, PermissionInstanceRead, PermissionInstancePower,
		PermissionInstanceDestroy, PermissionInstanceMigrate, PermissionInstanceRenew,
		PermissionNodeRead, PermissionNodeUpdate, PermissionNodeFlush,
		PermissionActivityRead,
	},
	RoleOperator: {
		PermissionInstanceCreate, PermissionInstanceRead, PermissionInstancePower,
		PermissionInstanceDestroy, PermissionInstanceRenew,
		PermissionNodeRead,
		PermissionActivityRead,
	},
	RoleViewer: {
		PermissionInstanceRead,
		PermissionNodeRead,
		PermissionActivityRead,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role Role, permission Permission) bool {
	return slices.Contains(RolePermissions[role], permission)
}
