package sqlite

import (
	"context"

	"github.com/warp/box-office/boxoffice"
)

// InsertFlag records a flag. A second open flag for the same kind and
// subject is dropped.
func (t *txStore) InsertFlag(ctx context.Context, f boxoffice.ReconciliationFlag) error {
	_, err := t.tx.ExecContext(ctx, insertFlagSQL,
		f.ID, string(f.Kind), f.Subject, f.Detail, f.InternalValue, f.ExternalValue,
		f.Resolved, formatTime(f.CreatedAt))
	if isUniqueConstraintError(err) {
		return nil
	}
	if err != nil {
		return storeError("insert flag", err)
	}
	return nil
}

func (t *txStore) HasOpenFlag(ctx context.Context, kind boxoffice.FlagKind, subject string) (bool, error) {
	var exists bool
	if err := t.tx.QueryRowContext(ctx, hasOpenFlagSQL, string(kind), subject).Scan(&exists); err != nil {
		return false, storeError("check flag", err)
	}
	return exists, nil
}

func (t *txStore) ListFlags(ctx context.Context, includeResolved bool) ([]boxoffice.ReconciliationFlag, error) {
	query := listOpenFlagsSQL
	if includeResolved {
		query = listAllFlagsSQL
	}
	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, storeError("list flags", err)
	}
	defer rows.Close()

	var out []boxoffice.ReconciliationFlag
	for rows.Next() {
		var (
			f         boxoffice.ReconciliationFlag
			kind      string
			createdAt string
		)
		if err := rows.Scan(&f.ID, &kind, &f.Subject, &f.Detail, &f.InternalValue, &f.ExternalValue,
			&f.Resolved, &createdAt); err != nil {
			return nil, storeError("scan flag", err)
		}
		f.Kind = boxoffice.FlagKind(kind)
		f.CreatedAt = parseTime(createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}
