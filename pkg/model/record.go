package model

import (
	"strings"
	"time"
	"unicode"
)

const (
	MaxRecordIDLength   = 32
	MaxRecordNameLength = 64
	MaxGenderLength     = 16
	MinScore            = 0
	MaxScore            = 100
)

// Record is one row of the records table: a student and three scores.
type Record struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Gender    string    `json:"gender" yaml:"gender,omitempty"`
	Score1    float64   `json:"score1" yaml:"score1"`
	Score2    float64   `json:"score2" yaml:"score2"`
	Score3    float64   `json:"score3" yaml:"score3"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Total is the sum of the three scores.
func (r Record) Total() float64 {
	return r.Score1 + r.Score2 + r.Score3
}

// Normalize trims and strips control characters from the text fields.
func (r *Record) Normalize() {
	r.ID = SanitizeText(strings.TrimSpace(r.ID))
	r.Name = SanitizeText(strings.TrimSpace(r.Name))
	r.Gender = SanitizeText(strings.TrimSpace(r.Gender))
}

// Validate checks field bounds. Call Normalize first.
func (r Record) Validate() error {
	if err := ValidateRecordID(r.ID); err != nil {
		return err
	}
	if r.Name == "" {
		return ErrRecordNameEmpty
	}
	if len(r.Name) > MaxRecordNameLength {
		return ErrRecordNameTooLong
	}
	if len(r.Gender) > MaxGenderLength {
		return ErrGenderTooLong
	}
	for _, s := range []float64{r.Score1, r.Score2, r.Score3} {
		if err := validateScore(s); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRecordID checks a record key.
func ValidateRecordID(id string) error {
	if id == "" {
		return ErrRecordIDEmpty
	}
	if len(id) > MaxRecordIDLength {
		return ErrRecordIDTooLong
	}
	return nil
}

func validateScore(s float64) error {
	if s < MinScore || s > MaxScore {
		return ErrScoreOutOfRange
	}
	return nil
}

// RecordPatch carries the fields update_record may change. Nil means unchanged.
type RecordPatch struct {
	Name   *string
	Gender *string
	Score1 *float64
	Score2 *float64
	Score3 *float64
}

// Empty reports whether the patch changes nothing.
func (p RecordPatch) Empty() bool {
	return p.Name == nil && p.Gender == nil && p.Score1 == nil && p.Score2 == nil && p.Score3 == nil
}

// Apply returns rec with the patch applied, normalized and validated.
func (p RecordPatch) Apply(rec Record) (Record, error) {
	if p.Empty() {
		return rec, ErrNoFieldsToUpdate
	}
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.Gender != nil {
		rec.Gender = *p.Gender
	}
	if p.Score1 != nil {
		rec.Score1 = *p.Score1
	}
	if p.Score2 != nil {
		rec.Score2 = *p.Score2
	}
	if p.Score3 != nil {
		rec.Score3 = *p.Score3
	}
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	return rec, nil
}

// ScoreStats aggregates one score column. Pointers are nil when there are no records.
type ScoreStats struct {
	Avg *float64 `json:"avg"`
	Max *float64 `json:"max"`
	Min *float64 `json:"min"`
}

// Statistics is the result of get_statistics.
type Statistics struct {
	TotalRecords int64      `json:"total_records"`
	Score1       ScoreStats `json:"score1"`
	Score2       ScoreStats `json:"score2"`
	Score3       ScoreStats `json:"score3"`
}

// SanitizeText strips control characters from user-supplied text
// and collapses newlines to spaces.
func SanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
