package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nimbusgpu/nimbus-control-plane/internal/model"
)

// DB is the narrow pgx surface the store needs; pgxpool.Pool and pgxmock
// both satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgres(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, owner_id, state, version, region, coalesce(gpu_instance_id, ''), coalesce(gpu_instance_type, ''), coalesce(failure_signal, ''), created_at, last_transition_at, last_heartbeat_at, billable_since`

func (s *PostgresStore) Insert(ctx context.Context, sess *model.Session) error {
	const q = `
insert into sessions
  (id, owner_id, state, version, region, gpu_instance_id, gpu_instance_type, failure_signal, created_at, last_transition_at, last_heartbeat_at, billable_since)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
on conflict (id) do nothing`
	tag, err := s.db.Exec(ctx, q,
		sess.ID, sess.OwnerID, string(sess.State), sess.Version, sess.Region,
		sess.GPUInstanceID, sess.GPUInstanceType, sess.FailureSignal,
		sess.CreatedAt, sess.LastTransitionAt, sess.LastHeartbeatAt, sess.BillableSince,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*model.Session, error) {
	q := `select ` + sessionColumns + ` from sessions where id = $1`
	return scanSession(s.db.QueryRow(ctx, q, id))
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*model.Session, error) {
	q := `select ` + sessionColumns + ` from sessions where owner_id = $1 order by created_at desc`
	rows, err := s.db.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (s *PostgresStore) ListByState(ctx context.Context, state model.SessionState) ([]*model.Session, error) {
	q := `select ` + sessionColumns + ` from sessions where state = $1 order by created_at asc`
	rows, err := s.db.Query(ctx, q, string(state))
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// CompareAndSwap relies on the conditional update being atomic in postgres:
// two writers racing on the same expectedVersion see exactly one matched row
// between them.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, next *model.Session, expectedVersion int64) error {
	const q = `
update sessions
set state = $3,
    version = $4,
    gpu_instance_id = $5,
    gpu_instance_type = $6,
    failure_signal = $7,
    last_transition_at = $8,
    billable_since = $9
where id = $1 and version = $2`
	tag, err := s.db.Exec(ctx, q,
		next.ID, expectedVersion,
		string(next.State), next.Version,
		next.GPUInstanceID, next.GPUInstanceType, next.FailureSignal,
		next.LastTransitionAt, next.BillableSince,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := s.db.QueryRow(ctx, `select 1 from sessions where id = $1`, next.ID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) TouchHeartbeat(ctx context.Context, id string, at time.Time, failureSignal string) error {
	const q = `
update sessions
set last_heartbeat_at = $2,
    failure_signal = case when $3 <> '' then $3 else failure_signal end
where id = $1 and state not in ('terminated', 'error')`
	tag, err := s.db.Exec(ctx, q, id, at, failureSignal)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := s.db.QueryRow(ctx, `select 1 from sessions where id = $1`, id).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var out model.Session
	var state string
	var lastHeartbeatAt, billableSince *time.Time
	if err := row.Scan(
		&out.ID, &out.OwnerID, &state, &out.Version, &out.Region,
		&out.GPUInstanceID, &out.GPUInstanceType, &out.FailureSignal,
		&out.CreatedAt, &out.LastTransitionAt, &lastHeartbeatAt, &billableSince,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out.State = model.SessionState(state)
	out.LastHeartbeatAt = lastHeartbeatAt
	out.BillableSince = billableSince
	return &out, nil
}

func collectSessions(rows pgx.Rows) ([]*model.Session, error) {
	defer rows.Close()
	out := make([]*model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
