// Package rbac provides role-based access control checks.
//
// The permission table is built once at package initialisation and never
// mutated, so lookups need no locking.
package rbac

import (
	"sort"

	"github.com/NicolasHaas/gorecord/pkg/model"
)

var userActions = []model.Action{
	model.ActionLogout,
	model.ActionListRecords,
	model.ActionGetRecord,
	model.ActionGetStatistics,
	model.ActionChangePassword,
}

var adminOnlyActions = []model.Action{
	model.ActionAddRecord,
	model.ActionUpdateRecord,
	model.ActionDeleteRecord,
	model.ActionListAccounts,
	model.ActionUpdatePermission,
	model.ActionDeleteAccount,
}

// permissionMatrix maps roles to the actions they may dispatch.
// login and register are public and deliberately absent.
var permissionMatrix = buildMatrix()

func buildMatrix() map[model.Role]map[model.Action]bool {
	user := make(map[model.Action]bool, len(userActions))
	for _, a := range userActions {
		user[a] = true
	}
	admin := make(map[model.Action]bool, len(userActions)+len(adminOnlyActions))
	for _, a := range userActions {
		admin[a] = true
	}
	for _, a := range adminOnlyActions {
		admin[a] = true
	}
	return map[model.Role]map[model.Action]bool{
		model.RoleUser:  user,
		model.RoleAdmin: admin,
	}
}

// Allowed checks if a role may dispatch an action.
func Allowed(role model.Role, action model.Action) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[action]
}

// Actions returns the sorted actions a role may dispatch.
func Actions(role model.Role) []model.Action {
	perms := permissionMatrix[role]
	out := make([]model.Action, 0, len(perms))
	for a := range perms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RequirePermission returns model.ErrPermissionDenied when the role lacks the action.
func RequirePermission(role model.Role, action model.Action) error {
	if Allowed(role, action) {
		return nil
	}
	return model.ErrPermissionDenied
}
