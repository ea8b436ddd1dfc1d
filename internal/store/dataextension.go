package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"automationsync/internal/core"
)

var (
	ErrTableNotFound     = errors.New("data extension not found")
	ErrUnknownColumn     = errors.New("unknown column")
	ErrMissingPrimaryKey = errors.New("primary key value missing")
)

// DataExtension is a handle on one table, resolved by name.
type DataExtension struct {
	db         *sql.DB
	name       string
	columns    map[string]string
	primaryKey []string
}

// Init resolves a data extension for the synchronizer.
func (s *Store) Init(ctx context.Context, name string) (core.Table, error) {
	de, err := s.OpenDataExtension(ctx, name)
	if err != nil {
		return nil, err
	}
	return de, nil
}

// OpenDataExtension loads the column layout of the named table.
func (s *Store) OpenDataExtension(ctx context.Context, name string) (*DataExtension, error) {
	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count); err != nil {
		return nil, fmt.Errorf("lookup data extension %s: %w", name, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("describe data extension %s: %w", name, err)
	}
	defer rows.Close()

	de := &DataExtension{db: s.DB, name: name, columns: make(map[string]string)}
	type pkColumn struct {
		name  string
		order int
	}
	var pks []pkColumn
	for rows.Next() {
		var (
			cid      int
			column   string
			ctype    string
			notNull  int
			defValue sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &column, &ctype, &notNull, &defValue, &pk); err != nil {
			return nil, fmt.Errorf("scan column info: %w", err)
		}
		de.columns[strings.ToLower(column)] = column
		if pk > 0 {
			pks = append(pks, pkColumn{name: column, order: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].order < pks[j].order })
	for _, pk := range pks {
		de.primaryKey = append(de.primaryKey, pk.name)
	}
	return de, nil
}

// Name returns the table name.
func (d *DataExtension) Name() string {
	return d.name
}

// RemoveRows deletes every row whose key columns equal the given values and
// returns the number of rows removed.
func (d *DataExtension) RemoveRows(ctx context.Context, keyColumns []string, keyValues []any) (int64, error) {
	if len(keyColumns) == 0 {
		return 0, fmt.Errorf("remove rows from %s: no key columns", d.name)
	}
	if len(keyColumns) != len(keyValues) {
		return 0, fmt.Errorf("remove rows from %s: %d key columns but %d values", d.name, len(keyColumns), len(keyValues))
	}
	conds := make([]string, 0, len(keyColumns))
	args := make([]any, 0, len(keyValues))
	for i, col := range keyColumns {
		column, err := d.column(col)
		if err != nil {
			return 0, err
		}
		conds = append(conds, quoteIdent(column)+" = ?")
		args = append(args, bindValue(keyValues[i]))
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, quoteIdent(d.name), strings.Join(conds, " AND "))
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("remove rows from %s: %w", d.name, err)
	}
	return res.RowsAffected()
}

// AddRow inserts a row, replacing any existing row with the same primary key.
func (d *DataExtension) AddRow(ctx context.Context, fields map[string]any) error {
	if len(fields) == 0 {
		return fmt.Errorf("add row to %s: no fields", d.name)
	}
	columns := make([]string, 0, len(fields))
	values := make(map[string]any, len(fields))
	for name, value := range fields {
		column, err := d.column(name)
		if err != nil {
			return err
		}
		columns = append(columns, column)
		values[column] = bindValue(value)
	}
	sort.Strings(columns)
	for _, pk := range d.primaryKey {
		v, ok := values[pk]
		if !ok || v == nil || v == "" {
			return fmt.Errorf("add row to %s: %w: %s", d.name, ErrMissingPrimaryKey, pk)
		}
	}

	quoted := make([]string, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for _, column := range columns {
		quoted = append(quoted, quoteIdent(column))
		placeholders = append(placeholders, "?")
		args = append(args, values[column])
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(d.name), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	if upsert := d.upsertClause(columns); upsert != "" {
		query += " " + upsert
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("add row to %s: %w", d.name, err)
	}
	return nil
}

// Count returns the number of rows in the table.
func (d *DataExtension) Count(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM %s`, quoteIdent(d.name))).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", d.name, err)
	}
	return count, nil
}

func (d *DataExtension) upsertClause(columns []string) string {
	if len(d.primaryKey) == 0 {
		return ""
	}
	isKey := make(map[string]bool, len(d.primaryKey))
	keys := make([]string, 0, len(d.primaryKey))
	for _, pk := range d.primaryKey {
		isKey[pk] = true
		keys = append(keys, quoteIdent(pk))
	}
	var sets []string
	for _, column := range columns {
		if isKey[column] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoteIdent(column), quoteIdent(column)))
	}
	if len(sets) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", strings.Join(keys, ", "))
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
}

func (d *DataExtension) column(name string) (string, error) {
	column, ok := d.columns[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("%s.%s: %w", d.name, name, ErrUnknownColumn)
	}
	return column, nil
}

// ListStatusRows returns the mirrored automation rows ordered by name. A
// non-empty status restricts the result to that label.
func (s *Store) ListStatusRows(ctx context.Context, status string) ([]core.StatusRow, error) {
	query := fmt.Sprintf(`SELECT "Name", "Status", "ModifiedDate", "LastRunTime", "LastSaveDate", "CustomerKey" FROM %s`,
		quoteIdent(core.DestinationTable))
	var args []any
	if status != "" {
		query += ` WHERE "Status" = ?`
		args = append(args, status)
	}
	query += ` ORDER BY "Name", "CustomerKey"`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list status rows: %w", err)
	}
	defer rows.Close()
	var out []core.StatusRow
	for rows.Next() {
		var (
			row                         core.StatusRow
			modified, lastRun, lastSave sql.NullString
		)
		if err := rows.Scan(&row.Name, &row.Status, &modified, &lastRun, &lastSave, &row.CustomerKey); err != nil {
			return nil, fmt.Errorf("scan status row: %w", err)
		}
		if row.ModifiedDate, err = parseNullTime(modified); err != nil {
			return nil, err
		}
		if row.LastRunTime, err = parseNullTime(lastRun); err != nil {
			return nil, err
		}
		if row.LastSaveDate, err = parseNullTime(lastSave); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func bindValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		return v.UTC().Format(timeFormat)
	case *time.Time:
		return nullableTime(v)
	case *string:
		return nullableString(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return v
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
