package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callsy/internal/presence"
	"callsy/pkg/utils"
)

// NOTE: This repository assumes the registry owns these tables:
// - businesses (id, display_name, category, timezone, is_active)
// - business_hours (business_id, weekday 0=Sunday..6, opens_at time, closes_at time, enabled)
//
// A business with no business_hours rows gets presence.DefaultSchedule.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// Lookup reads the business row and its hours in one read-only transaction so
// a concurrent registry edit cannot pair a profile with stale hours.
func (r *PostgresRepo) Lookup(ctx context.Context, businessID string) (Business, error) {
	var b Business
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		b, err = lookup(ctx, tx, businessID)
		return err
	})
	return b, err
}

func lookup(ctx context.Context, tx *sql.Tx, businessID string) (Business, error) {
	const q = `
SELECT id, display_name, category, timezone, is_active
FROM businesses
WHERE id = $1
`
	var (
		b  Business
		tz string
	)
	if err := tx.QueryRowContext(ctx, q, businessID).Scan(
		&b.ID,
		&b.DisplayName,
		&b.Category,
		&tz,
		&b.IsActive,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Business{}, ErrNotFound
		}
		return Business{}, err
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Business{}, fmt.Errorf("directory: business %s timezone %q: %w", b.ID, tz, err)
	}

	days, err := hours(ctx, tx, b.ID)
	if err != nil {
		return Business{}, err
	}
	if len(days) == 0 {
		b.Hours = presence.DefaultSchedule(loc)
	} else {
		b.Hours = presence.Schedule{Location: loc, Days: days}
	}
	return b, nil
}

func hours(ctx context.Context, tx *sql.Tx, businessID string) ([]presence.DayHours, error) {
	const q = `
SELECT weekday, to_char(opens_at, 'HH24:MI'), to_char(closes_at, 'HH24:MI'), enabled
FROM business_hours
WHERE business_id = $1
ORDER BY weekday
`
	rows, err := tx.QueryContext(ctx, q, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []presence.DayHours
	for rows.Next() {
		var (
			weekday     int
			opens, ends string
			d           presence.DayHours
		)
		if err := rows.Scan(&weekday, &opens, &ends, &d.Enabled); err != nil {
			return nil, err
		}
		d.Weekday = time.Weekday(weekday)
		if d.Start, err = presence.ParseTimeOfDay(opens); err != nil {
			return nil, err
		}
		if d.End, err = presence.ParseTimeOfDay(ends); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
