// Package model defines the core domain types for gorecord.
package model

// Action names an operation a client can request.
type Action string

const (
	ActionLogin            Action = "login"
	ActionRegister         Action = "register"
	ActionLogout           Action = "logout"
	ActionListRecords      Action = "list_records"
	ActionGetRecord        Action = "get_record"
	ActionGetStatistics    Action = "get_statistics"
	ActionChangePassword   Action = "change_password"
	ActionAddRecord        Action = "add_record"
	ActionUpdateRecord     Action = "update_record"
	ActionDeleteRecord     Action = "delete_record"
	ActionListAccounts     Action = "list_accounts"
	ActionUpdatePermission Action = "update_permission"
	ActionDeleteAccount    Action = "delete_account"
)

// AllActions lists every action in the catalog, in catalog order.
func AllActions() []Action {
	return []Action{
		ActionLogin,
		ActionRegister,
		ActionLogout,
		ActionListRecords,
		ActionGetRecord,
		ActionGetStatistics,
		ActionChangePassword,
		ActionAddRecord,
		ActionUpdateRecord,
		ActionDeleteRecord,
		ActionListAccounts,
		ActionUpdatePermission,
		ActionDeleteAccount,
	}
}

// Public reports whether the action may run before authentication.
func (a Action) Public() bool {
	return a == ActionLogin || a == ActionRegister
}

func (a Action) String() string { return string(a) }
