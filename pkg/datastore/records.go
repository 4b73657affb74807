package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/NicolasHaas/gorecord/pkg/model"
)

const recordColumns = "id, name, gender, score1, score2, score3, created_at, updated_at"

func scanRecord(row rowScanner) (*model.Record, error) {
	r := &model.Record{}
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Name, &r.Gender, &r.Score1, &r.Score2, &r.Score3, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseDBTime(updatedAt); err != nil {
		return nil, err
	}
	return r, nil
}

// AddRecord inserts rec after normalizing and validating it. Returns
// model.ErrAlreadyExists when the ID is taken.
func (p *provider) AddRecord(ctx context.Context, rec *model.Record) error {
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("datastore: add record: %w", err)
	}
	ts := now()
	_, err := p.exec(ctx,
		"INSERT INTO records ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.Name, rec.Gender, rec.Score1, rec.Score2, rec.Score3, formatDBTime(ts), formatDBTime(ts),
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("datastore: add record %q: %w", rec.ID, model.ErrAlreadyExists)
	}
	if err != nil {
		return storeErr("add record", err)
	}
	rec.CreatedAt, rec.UpdatedAt = ts, ts
	return nil
}

// GetRecord retrieves a record by ID.
func (p *provider) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	r, err := scanRecord(p.queryRow(ctx, "SELECT "+recordColumns+" FROM records WHERE id = ?", id))
	if isNoRows(err) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get record", err)
	}
	return r, nil
}

// GetRecordByName retrieves the first record (by ID) with the given name.
func (p *provider) GetRecordByName(ctx context.Context, name string) (*model.Record, error) {
	r, err := scanRecord(p.queryRow(ctx, "SELECT "+recordColumns+" FROM records WHERE name = ? ORDER BY id LIMIT 1", name))
	if isNoRows(err) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get record by name", err)
	}
	return r, nil
}

// ListRecords returns all records, highest total score first.
func (p *provider) ListRecords(ctx context.Context) ([]model.Record, error) {
	rows, err := p.query(ctx, "SELECT "+recordColumns+" FROM records ORDER BY (score1 + score2 + score3) DESC, id")
	if err != nil {
		return nil, storeErr("list records", err)
	}
	defer func() { _ = rows.Close() }()

	records := []model.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("scan record", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list records", err)
	}
	return records, nil
}

// UpdateRecord applies patch to the record with the given ID and returns
// the stored result. Only the fields set in patch are written.
func (p *provider) UpdateRecord(ctx context.Context, id string, patch model.RecordPatch) (*model.Record, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("datastore: update record: %w", model.ErrNoFieldsToUpdate)
	}
	current, err := p.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := patch.Apply(*current)
	if err != nil {
		return nil, fmt.Errorf("datastore: update record: %w", err)
	}

	// Column names come from this fixed list, never from the request.
	var (
		sets []string
		args []any
	)
	set := func(col string, changed bool, v any) {
		if changed {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
	}
	set("name", patch.Name != nil, updated.Name)
	set("gender", patch.Gender != nil, updated.Gender)
	set("score1", patch.Score1 != nil, updated.Score1)
	set("score2", patch.Score2 != nil, updated.Score2)
	set("score3", patch.Score3 != nil, updated.Score3)

	updated.UpdatedAt = now()
	sets = append(sets, "updated_at = ?")
	args = append(args, formatDBTime(updated.UpdatedAt), id)

	res, err := p.exec(ctx, "UPDATE records SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, storeErr("update record", err)
	}
	if err := requireAffected(res, "update record"); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteRecord removes a record by ID.
func (p *provider) DeleteRecord(ctx context.Context, id string) error {
	res, err := p.exec(ctx, "DELETE FROM records WHERE id = ?", id)
	if err != nil {
		return storeErr("delete record", err)
	}
	return requireAffected(res, "delete record")
}

// Statistics aggregates the three score columns. Averages and extremes are
// nil when there are no records.
func (p *provider) Statistics(ctx context.Context) (model.Statistics, error) {
	var (
		st    model.Statistics
		stats [9]sql.NullFloat64
	)
	err := p.queryRow(ctx, `SELECT COUNT(*),
		AVG(score1), MAX(score1), MIN(score1),
		AVG(score2), MAX(score2), MIN(score2),
		AVG(score3), MAX(score3), MIN(score3)
		FROM records`).Scan(
		&st.TotalRecords,
		&stats[0], &stats[1], &stats[2],
		&stats[3], &stats[4], &stats[5],
		&stats[6], &stats[7], &stats[8],
	)
	if err != nil {
		return model.Statistics{}, storeErr("statistics", err)
	}
	st.Score1 = scoreStats(stats[0:3])
	st.Score2 = scoreStats(stats[3:6])
	st.Score3 = scoreStats(stats[6:9])
	return st, nil
}

func scoreStats(v []sql.NullFloat64) model.ScoreStats {
	ptr := func(n sql.NullFloat64) *float64 {
		if !n.Valid {
			return nil
		}
		f := n.Float64
		return &f
	}
	return model.ScoreStats{Avg: ptr(v[0]), Max: ptr(v[1]), Min: ptr(v[2])}
}
