// Package ledger records money-bearing events at most once. Uniqueness is
// decided by the storage layer's unique index on the natural key; callers
// never check-then-insert.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStorage wraps any database failure. It is retryable.
var ErrStorage = errors.New("ledger storage unavailable")

// Key maps the natural-key columns to their values. The columns must carry a
// unique index on the row's table.
type Key map[string]any

func (k Key) columns() []string {
	cols := make([]string, 0, len(k))
	for c := range k {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

type Result[T any] struct {
	Inserted bool
	Existing *T
}

// RecordIfNew inserts row unless a row with the same key already exists. A
// key collision is not an error: it returns Inserted=false with the stored
// row. The insert is a single statement, so concurrent callers racing on the
// same key see exactly one Inserted=true.
func RecordIfNew[T any](ctx context.Context, db *gorm.DB, row *T, key Key) (Result[T], error) {
	if len(key) == 0 {
		return Result[T]{}, errors.New("ledger: empty key")
	}

	cols := key.columns()
	conflict := make([]clause.Column, len(cols))
	for i, c := range cols {
		conflict[i] = clause.Column{Name: c}
	}

	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: conflict, DoNothing: true}).
		Create(row)
	if res.Error != nil {
		return Result[T]{}, fmt.Errorf("%w: insert: %v", ErrStorage, res.Error)
	}
	if res.RowsAffected > 0 {
		return Result[T]{Inserted: true}, nil
	}

	existing, err := Find[T](ctx, db, key)
	if err != nil {
		return Result[T]{}, err
	}
	return Result[T]{Existing: existing}, nil
}

// Find loads the row stored under key, or returns nil when there is none.
func Find[T any](ctx context.Context, db *gorm.DB, key Key) (*T, error) {
	q := db.WithContext(ctx)
	for _, c := range key.columns() {
		q = q.Where(clause.Eq{Column: clause.Column{Name: c}, Value: key[c]})
	}

	var row T
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: lookup: %v", ErrStorage, err)
	}
	return &row, nil
}

// Exists reports whether a row is stored under key.
func Exists[T any](ctx context.Context, db *gorm.DB, key Key) (bool, error) {
	row, err := Find[T](ctx, db, key)
	return row != nil, err
}
