package billing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the narrow pgx surface the ledger needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresLedger books accruals into an accruals table. Idempotence comes
// from the table itself: opening conflicts on (session_id, started_version)
// and closing only matches the still-open row.
type PostgresLedger struct {
	db DB
}

func NewPostgres(db DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) StartAccrual(ctx context.Context, sessionID, ownerID string, version int64, at time.Time) error {
	const q = `
insert into accruals
  (session_id, owner_id, started_version, started_at, created_at)
values
  ($1, $2, $3, $4, now())
on conflict (session_id, started_version) do nothing`
	_, err := l.db.Exec(ctx, q, sessionID, ownerID, version, at)
	return err
}

func (l *PostgresLedger) StopAccrual(ctx context.Context, sessionID string, version int64, at time.Time) (time.Duration, error) {
	const closeQ = `
update accruals
set closed_version = $2,
    stopped_at = $3,
    billed_seconds = greatest(floor(extract(epoch from ($3 - started_at)))::bigint, 0)
where session_id = $1
  and closed_version is null
returning billed_seconds`
	var billedSeconds int64
	err := l.db.QueryRow(ctx, closeQ, sessionID, version, at).Scan(&billedSeconds)
	if err == nil {
		return time.Duration(billedSeconds) * time.Second, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	// No open interval: either a re-delivery of this closing version or a
	// genuinely missing start.
	const bookedQ = `
select billed_seconds from accruals
where session_id = $1 and closed_version = $2`
	err = l.db.QueryRow(ctx, bookedQ, sessionID, version).Scan(&billedSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoOpenAccrual
	}
	if err != nil {
		return 0, err
	}
	return time.Duration(billedSeconds) * time.Second, nil
}
