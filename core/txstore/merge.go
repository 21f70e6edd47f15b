package txstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Row is a record keyed by column name, the unit MergeStatement operates
// on. MergeStatement itself is storage-agnostic: it composes
// tryPut/update-then-insert semantics over whatever Table a caller wires
// in, the same separation the original MERGE command draws between SQL
// planning and the transactional map underneath it.
type Row map[string]any

// Table is the collaborator a MergeStatement drives. A concrete
// implementation adapts this onto one or more TransactionMaps keyed by
// KeyColumns.
type Table interface {
	KeyColumns() []string
	ValidateRow(row Row) error
	AddRow(ctx context.Context, row Row) error
	// UpdateRow applies row to the unique record matching key and returns
	// the number of rows it affected: 0 if no match, 1 on the expected
	// single match, >1 if the key columns didn't uniquely identify a row.
	UpdateRow(ctx context.Context, key Row, row Row) (int, error)
}

// TriggerFirer fires the before/after-row triggers MergeStatement invokes
// around the insert branch.
type TriggerFirer interface {
	// FireBeforeRow returns suppress=true to skip AddRow entirely (a
	// trigger handled the insert itself).
	FireBeforeRow(ctx context.Context, row Row) (suppress bool, err error)
	FireAfterRow(ctx context.Context, row Row) error
}

// MergeStatement is the upsert statement: for each input row, try an
// UPDATE matched on KeyColumns; if that affects no rows, fall back to
// validating and inserting a new one.
type MergeStatement struct {
	Table      Table
	Triggers   TriggerFirer
	KeyColumns []string

	// TableName and Columns are only used by PlanSQL, to render the
	// statement a caller actually submitted (or would submit) in the same
	// textual form psql/`EXPLAIN` tooling would show. Execute never reads
	// them.
	TableName string
	Columns   []string

	// CanInsert/CanUpdate model the access-control precondition: the
	// caller must hold both INSERT and UPDATE rights.
	CanInsert bool
	CanUpdate bool
}

// PlanSQL renders the statement in the canonical
// `MERGE INTO t(cols) KEY(keycols) VALUES (...)` text form. Columns not
// present in a given row render as NULL, the same way the merge algorithm
// itself treats a missing column.
func (s *MergeStatement) PlanSQL(rows []Row) string {
	cols := s.Columns
	if len(cols) == 0 {
		cols = s.inferColumns(rows)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s(%s) KEY(%s) VALUES ", s.TableName, strings.Join(cols, ", "), strings.Join(s.KeyColumns, ", "))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, c := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(formatSQLValue(row[c]))
		}
		b.WriteByte(')')
	}
	return b.String()
}

// inferColumns collects the union of keys seen across rows, sorted for a
// deterministic plan when Columns wasn't set explicitly.
func (s *MergeStatement) inferColumns(rows []Row) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for c := range row {
			seen[c] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for c := range seen {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// formatSQLValue renders a single cell the way a MERGE plan would: quoted
// and escaped for strings, NULL for an absent column, and the literal form
// for anything else.
func formatSQLValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// Execute runs the merge for every row, returning the total number of rows
// affected (updated or inserted).
func (s *MergeStatement) Execute(ctx context.Context, rows []Row) (int, error) {
	if !s.CanInsert || !s.CanUpdate {
		return 0, errors.New("txstore: MERGE requires both INSERT and UPDATE rights")
	}
	if err := s.checkKeyColumns(); err != nil {
		return 0, err
	}
	var affected int
	for _, row := range rows {
		n, err := s.mergeOne(ctx, row)
		if err != nil {
			return affected, err
		}
		affected += n
	}
	return affected, nil
}

// checkKeyColumns requires the declared KeyColumns to exactly match the
// table's own key column set — a mismatch means the MERGE names a
// constraint the table doesn't have.
func (s *MergeStatement) checkKeyColumns() error {
	tableCols := s.Table.KeyColumns()
	if len(tableCols) != len(s.KeyColumns) {
		return ErrConstraintNotFound
	}
	present := make(map[string]struct{}, len(tableCols))
	for _, c := range tableCols {
		present[c] = struct{}{}
	}
	for _, c := range s.KeyColumns {
		if _, ok := present[c]; !ok {
			return ErrConstraintNotFound
		}
	}
	return nil
}

// mergeOne implements the update-then-insert algorithm for a single input
// row.
func (s *MergeStatement) mergeOne(ctx context.Context, row Row) (int, error) {
	key := make(Row, len(s.KeyColumns))
	for _, c := range s.KeyColumns {
		key[c] = row[c]
	}

	n, err := s.Table.UpdateRow(ctx, key, row)
	if err != nil {
		return 0, err
	}
	switch {
	case n == 1:
		return 1, nil
	case n > 1:
		return 0, ErrConcurrentUpdate
	}

	if err := s.Table.ValidateRow(row); err != nil {
		return 0, err
	}

	suppress := false
	if s.Triggers != nil {
		suppress, err = s.Triggers.FireBeforeRow(ctx, row)
		if err != nil {
			return 0, err
		}
	}
	if !suppress {
		if err := s.Table.AddRow(ctx, row); err != nil {
			if errors.Is(err, ErrDuplicateKey) && s.conflictsOnKeyPrefix() {
				return 0, ErrConcurrentUpdate
			}
			return 0, err
		}
	}
	if s.Triggers != nil {
		if err := s.Triggers.FireAfterRow(ctx, row); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

// conflictsOnKeyPrefix reports whether a DUPLICATE_KEY from AddRow should
// be reclassified to CONCURRENT_UPDATE. It returns true whenever KeyColumns
// is non-empty; the violating index is not inspected, so a duplicate on any
// unique index is reclassified, not only one whose columns are a prefix of
// the declared key columns.
func (s *MergeStatement) conflictsOnKeyPrefix() bool {
	return len(s.KeyColumns) > 0
}
