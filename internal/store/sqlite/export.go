package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maloquacious/fcl/internal/store"
)

const exportFormat = "fcl-sqlite-export/1"

// document is the serialized form of an entire database. Its encoding is
// deterministic: the same content always exports to the same bytes.
type document struct {
	Format    string           `json:"format"`
	Objects   []schemaObject   `json:"objects"`
	Tables    []tableData      `json:"tables"`
	Sequences map[string]int64 `json:"sequences,omitempty"`
}

type schemaObject struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Table string `json:"table"`
	SQL   string `json:"sql"`
}

type tableData struct {
	Name    string    `json:"name"`
	Columns []string  `json:"columns"`
	Rows    [][]value `json:"rows"`
}

// value keeps the SQLite storage class so rows round-trip exactly.
type value struct {
	Kind string `json:"k"`
	Int  int64  `json:"i,omitempty"`
	Real string `json:"r,omitempty"`
	Text string `json:"t,omitempty"`
	Blob []byte `json:"b,omitempty"`
}

const (
	kindNull = "n"
	kindInt  = "i"
	kindReal = "r"
	kindText = "t"
	kindBlob = "b"
)

func toValue(v any) (value, error) {
	switch x := v.(type) {
	case nil:
		return value{Kind: kindNull}, nil
	case int64:
		return value{Kind: kindInt, Int: x}, nil
	case float64:
		return value{Kind: kindReal, Real: strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case string:
		return value{Kind: kindText, Text: x}, nil
	case []byte:
		return value{Kind: kindBlob, Blob: append([]byte{}, x...)}, nil
	case bool:
		if x {
			return value{Kind: kindInt, Int: 1}, nil
		}
		return value{Kind: kindInt, Int: 0}, nil
	case time.Time:
		return value{Kind: kindText, Text: x.Format("2006-01-02 15:04:05.999999999-07:00")}, nil
	}
	return value{}, fmt.Errorf("unsupported column value %T", v)
}

func (v value) arg() (any, error) {
	switch v.Kind {
	case kindNull:
		return nil, nil
	case kindInt:
		return v.Int, nil
	case kindReal:
		return strconv.ParseFloat(v.Real, 64)
	case kindText:
		return v.Text, nil
	case kindBlob:
		if v.Blob == nil {
			return []byte{}, nil
		}
		return v.Blob, nil
	}
	return nil, fmt.Errorf("%w: unknown value kind %q", store.ErrInvalidExport, v.Kind)
}

func (d *document) marshal() ([]byte, error) {
	return json.Marshal(d)
}

func unmarshalDocument(payload []byte) (*document, error) {
	var doc document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidExport, err)
	}
	if doc.Format != exportFormat {
		return nil, fmt.Errorf("%w: format %q", store.ErrInvalidExport, doc.Format)
	}
	return &doc, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func exportDocument(ctx context.Context, db *sql.DB) (*document, error) {
	doc := &document{Format: exportFormat}

	rows, err := db.QueryContext(ctx, `
		SELECT type, name, tbl_name, sql FROM sqlite_master
		WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY CASE type WHEN 'table' THEN 0 WHEN 'index' THEN 1 WHEN 'trigger' THEN 2 ELSE 3 END, name`)
	if err != nil {
		return nil, fmt.Errorf("query schema: %w", err)
	}
	for rows.Next() {
		var o schemaObject
		if err := rows.Scan(&o.Type, &o.Name, &o.Table, &o.SQL); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		doc.Objects = append(doc.Objects, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query schema: %w", err)
	}

	for _, o := range doc.Objects {
		if o.Type != "table" {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(o.SQL)), "CREATE VIRTUAL TABLE") {
			return nil, fmt.Errorf("virtual table %s cannot be exported", o.Name)
		}
		t, err := exportTable(ctx, db, o.Name)
		if err != nil {
			return nil, err
		}
		doc.Tables = append(doc.Tables, t)
	}

	seq, err := exportSequences(ctx, db)
	if err != nil {
		return nil, err
	}
	doc.Sequences = seq
	return doc, nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info %s: %w", table, err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

func exportTable(ctx context.Context, db *sql.DB, table string) (tableData, error) {
	t := tableData{Name: table, Rows: [][]value{}}

	columns, err := tableColumns(ctx, db, table)
	if err != nil {
		return t, err
	}
	t.Columns = columns

	// The unary plus drops the declared column type, so the driver hands back
	// the stored value instead of converting DATE/TIMESTAMP text to time.Time.
	selects := make([]string, len(columns))
	for i, c := range columns {
		selects[i] = "+" + quoteIdent(c)
	}
	rows, err := db.QueryContext(ctx, "SELECT "+strings.Join(selects, ", ")+" FROM "+quoteIdent(table))
	if err != nil {
		return t, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	raw := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return t, fmt.Errorf("scan %s: %w", table, err)
		}
		row := make([]value, len(columns))
		for i, v := range raw {
			if row[i], err = toValue(v); err != nil {
				return t, fmt.Errorf("table %s column %s: %w", table, columns[i], err)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, rows.Err()
}

func exportSequences(ctx context.Context, db *sql.DB) (map[string]int64, error) {
	var exists int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_sequence'`,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check sqlite_sequence: %w", err)
	}
	if exists == 0 {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT name, seq FROM sqlite_sequence`)
	if err != nil {
		return nil, fmt.Errorf("query sqlite_sequence: %w", err)
	}
	defer rows.Close()

	seq := make(map[string]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan sqlite_sequence: %w", err)
		}
		seq[name] = n
	}
	return seq, rows.Err()
}

// importDocument writes doc into a new database at path.
func importDocument(ctx context.Context, path string, doc *document) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, o := range doc.Objects {
		if o.Type != "table" {
			continue
		}
		if _, err := tx.ExecContext(ctx, o.SQL); err != nil {
			return fmt.Errorf("create table %s: %w", o.Name, err)
		}
	}

	for _, t := range doc.Tables {
		if err := importRows(ctx, tx, t); err != nil {
			return err
		}
	}

	if len(doc.Sequences) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence`); err != nil {
			return fmt.Errorf("reset sqlite_sequence: %w", err)
		}
		for name, n := range doc.Sequences {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sqlite_sequence (name, seq) VALUES (?, ?)`, name, n); err != nil {
				return fmt.Errorf("restore sequence %s: %w", name, err)
			}
		}
	}

	// Indexes, triggers and views last, so restored rows fire no triggers.
	for _, o := range doc.Objects {
		if o.Type == "table" {
			continue
		}
		if _, err := tx.ExecContext(ctx, o.SQL); err != nil {
			return fmt.Errorf("create %s %s: %w", o.Type, o.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return db.Close()
}

func importRows(ctx context.Context, tx *sql.Tx, t tableData) error {
	if len(t.Rows) == 0 {
		return nil
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%w: table %s has rows but no columns", store.ErrInvalidExport, t.Name)
	}

	cols := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quoteIdent(c)
		marks[i] = "?"
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(t.Name), strings.Join(cols, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare insert %s: %w", t.Name, err)
	}
	defer stmt.Close()

	args := make([]any, len(t.Columns))
	for n, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("%w: table %s row %d has %d values, want %d",
				store.ErrInvalidExport, t.Name, n, len(row), len(t.Columns))
		}
		for i, v := range row {
			if args[i], err = v.arg(); err != nil {
				return err
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", t.Name, err)
		}
	}
	return nil
}
