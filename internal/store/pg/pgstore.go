package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"sacristy.org/internal/booking"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations shipped with the store.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

const (
	requestColumns    = `id, origin, requester_id, contact, nickname, service_tags, notes, status, registered_by, created_at, updated_at`
	assignmentColumns = `request_id, fulfiller_id, fulfiller_handle, assigned_by, assigned_at, started_at, due_alert_sent`
	auditColumns      = `id, request_id, actor_id, action, target, detail, at`

	uniqueViolation = "23505"
)

type Store struct {
	db *sql.DB
}

var _ booking.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Update runs fn inside a database transaction. Request rows read through
// LockRequest stay locked until commit.
func (s *Store) Update(ctx context.Context, fn func(tx booking.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetRequest(ctx context.Context, id int64) (booking.Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `select `+requestColumns+` from requests where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Request{}, booking.ErrNotFound
	}
	return r, err
}

func (s *Store) GetAssignment(ctx context.Context, requestID int64) (booking.Assignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx, `select `+assignmentColumns+` from assignments where request_id=$1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Assignment{}, booking.ErrNotFound
	}
	return a, err
}

func (s *Store) Assignments(ctx context.Context, requestIDs []int64) (map[int64]booking.Assignment, error) {
	out := make(map[int64]booking.Assignment, len(requestIDs))
	if len(requestIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(requestIDs))
	for _, id := range requestIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+assignmentColumns+` from assignments where request_id in (`+placeholders(1, len(args))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out[a.RequestID] = a
	}
	return out, rows.Err()
}

func (s *Store) ActiveAssignments(ctx context.Context) ([]booking.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select a.request_id, a.fulfiller_id, a.fulfiller_handle, a.assigned_by, a.assigned_at, a.started_at, a.due_alert_sent
		from assignments a
		join requests r on r.id = a.request_id
		where r.status not in ('completed', 'canceled')
		order by a.request_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []booking.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListRequests(ctx context.Context, f booking.Filter, offset, limit int) ([]booking.Request, int, error) {
	where, args := filterClause(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from requests r`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []booking.Request{}, total, nil
	}
	query := `select ` + requestColumns + ` from requests r` + where + ` order by id desc`
	if limit > 0 {
		args = append(args, limit)
		query += ` limit $` + strconv.Itoa(len(args))
	}
	args = append(args, offset)
	query += ` offset $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := []booking.Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// filterClause renders f as a where clause over requests aliased r.
func filterClause(f booking.Filter) (string, []any) {
	var conds []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		conds = append(conds, "r.status = "+next(string(f.Status)))
	}
	if n := strings.TrimSpace(f.Nickname); n != "" {
		conds = append(conds, "r.nickname ilike "+next("%"+escapeLike(n)+"%"))
	}
	if f.FulfillerID != 0 {
		p := next(f.FulfillerID)
		current := "exists (select 1 from assignments a where a.request_id = r.id and a.fulfiller_id = " + p + ")"
		if f.CurrentOnly {
			conds = append(conds, current)
		} else {
			conds = append(conds, "("+current+" or exists (select 1 from audit_log l where l.request_id = r.id and l.target = "+p+"))")
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) RequestsUpdatedBetween(ctx context.Context, start, end time.Time) ([]booking.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+requestColumns+` from requests where updated_at >= $1 and updated_at < $2 order by id`,
		start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []booking.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context, statuses ...booking.Status) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from requests where status in (`+placeholders(1, len(args))+`)`, args...).Scan(&n)
	return n, err
}

func (s *Store) Fulfillers(ctx context.Context) ([]booking.Fulfiller, error) {
	rows, err := s.db.QueryContext(ctx, `select id, handle, registered_at from fulfillers order by handle`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []booking.Fulfiller
	for rows.Next() {
		var f booking.Fulfiller
		if err := rows.Scan(&f.ID, &f.Handle, &f.RegisteredAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) UpsertFulfiller(ctx context.Context, f booking.Fulfiller) (booking.Fulfiller, error) {
	f.Handle = booking.NormalizeHandle(f.Handle)
	if f.ID == 0 || f.Handle == "" {
		return booking.Fulfiller{}, fmt.Errorf("%w: fulfiller id and handle are required", booking.ErrInvalidInput)
	}
	if f.RegisteredAt.IsZero() {
		f.RegisteredAt = time.Now()
	}
	var out booking.Fulfiller
	err := s.db.QueryRowContext(ctx, `
		insert into fulfillers(id, handle, registered_at) values ($1, $2, $3)
		on conflict (id) do update set handle = excluded.handle
		returning id, handle, registered_at
	`, f.ID, f.Handle, f.RegisteredAt.UTC()).Scan(&out.ID, &out.Handle, &out.RegisteredAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return booking.Fulfiller{}, fmt.Errorf("%w: handle @%s already registered", booking.ErrInvalidInput, f.Handle)
	}
	if err != nil {
		return booking.Fulfiller{}, err
	}
	return out, nil
}

func (s *Store) AuditLog(ctx context.Context, requestID int64) ([]booking.AuditEntry, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from requests where id=$1)`, requestID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, booking.ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `select `+auditColumns+` from audit_log where request_id=$1 order by id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []booking.AuditEntry
	for rows.Next() {
		var e booking.AuditEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ActorID, &e.Action, &e.Target, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (booking.Request, error) {
	var (
		r      booking.Request
		origin string
		status string
		tags   string
	)
	err := row.Scan(&r.ID, &origin, &r.RequesterID, &r.Contact, &r.Nickname, &tags, &r.Notes,
		&status, &r.RegisteredBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return booking.Request{}, err
	}
	r.Origin = booking.Origin(origin)
	r.Status = booking.Status(status)
	r.ServiceTags = splitTags(tags)
	return r, nil
}

func scanAssignment(row scanner) (booking.Assignment, error) {
	var (
		a       booking.Assignment
		started sql.NullTime
	)
	err := row.Scan(&a.RequestID, &a.FulfillerID, &a.FulfillerHandle, &a.AssignedBy, &a.AssignedAt, &started, &a.DueAlertSent)
	if err != nil {
		return booking.Assignment{}, err
	}
	if started.Valid {
		t := started.Time
		a.StartedAt = &t
	}
	return a, nil
}

func joinTags(tags []string) string { return strings.Join(tags, ",") }

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// placeholders renders $from..$(from+n-1) separated by commas.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(parts, ",")
}
