package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/NicolasHaas/gorecord/pkg/model"
)

// ----- Auth -----

// Credentials is the payload of login and register.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginData is returned in the data field of a successful login.
type LoginData struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Token    string `json:"token"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ----- Records -----

// RecordLookup selects a record by id, or by name when id is empty.
type RecordLookup struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type AddRecordRequest struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Gender string  `json:"gender,omitempty"`
	Score1 float64 `json:"score1"`
	Score2 float64 `json:"score2"`
	Score3 float64 `json:"score3"`
}

// Record converts the payload to a normalized domain record.
func (r AddRecordRequest) Record() model.Record {
	rec := model.Record{
		ID:     r.ID,
		Name:   r.Name,
		Gender: r.Gender,
		Score1: r.Score1,
		Score2: r.Score2,
		Score3: r.Score3,
	}
	rec.Normalize()
	return rec
}

// UpdateRecordRequest names a record and the fields to change. Absent
// fields are left untouched.
type UpdateRecordRequest struct {
	ID     string   `json:"id"`
	Name   *string  `json:"name,omitempty"`
	Gender *string  `json:"gender,omitempty"`
	Score1 *float64 `json:"score1,omitempty"`
	Score2 *float64 `json:"score2,omitempty"`
	Score3 *float64 `json:"score3,omitempty"`
}

func (r UpdateRecordRequest) Patch() model.RecordPatch {
	return model.RecordPatch{
		Name:   r.Name,
		Gender: r.Gender,
		Score1: r.Score1,
		Score2: r.Score2,
		Score3: r.Score3,
	}
}

type DeleteRecordRequest struct {
	ID string `json:"id"`
}

// RecordView is a record as listed to clients, with its computed total.
type RecordView struct {
	model.Record
	Total float64 `json:"total"`
}

func NewRecordView(rec model.Record) RecordView {
	return RecordView{Record: rec, Total: rec.Total()}
}

type RecordList struct {
	Records []RecordView `json:"records"`
	Count   int          `json:"count"`
}

// ----- Accounts -----

type AccountList struct {
	Accounts []model.Account `json:"accounts"`
	Count    int             `json:"count"`
}

// UpdatePermissionRequest changes another account's role. new_permission is
// accepted as an alias of new_role for older clients.
type UpdatePermissionRequest struct {
	Username      string `json:"username"`
	NewRole       string `json:"new_role,omitempty"`
	NewPermission string `json:"new_permission,omitempty"`
}

// Role returns the requested role name.
func (r UpdatePermissionRequest) Role() string {
	if r.NewRole != "" {
		return r.NewRole
	}
	return r.NewPermission
}

type DeleteAccountRequest struct {
	Username string `json:"username"`
}

// DecodeData re-decodes the generic data field of a response read by a
// client into v.
func (r *Response) DecodeData(v any) error {
	if r.Data == nil {
		return fmt.Errorf("protocol: response has no data")
	}
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("protocol: marshal data: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: unmarshal data: %w", err)
	}
	return nil
}
