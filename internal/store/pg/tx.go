package pg

import (
	"context"
	"database/sql"
	"errors"

	"sacristy.org/internal/booking"
)

type pgTx struct {
	tx *sql.Tx
}

var _ booking.Tx = (*pgTx)(nil)

func (t *pgTx) InsertRequest(ctx context.Context, r booking.Request) (booking.Request, error) {
	err := t.tx.QueryRowContext(ctx, `
		insert into requests(origin, requester_id, contact, nickname, service_tags, notes, status, registered_by, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		returning id
	`, string(r.Origin), r.RequesterID, r.Contact, r.Nickname, joinTags(r.ServiceTags), r.Notes,
		string(r.Status), r.RegisteredBy, r.CreatedAt.UTC(), r.UpdatedAt.UTC()).Scan(&r.ID)
	if err != nil {
		return booking.Request{}, err
	}
	return r, nil
}

func (t *pgTx) LockRequest(ctx context.Context, id int64) (booking.Request, error) {
	r, err := scanRequest(t.tx.QueryRowContext(ctx, `select `+requestColumns+` from requests where id=$1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Request{}, booking.ErrNotFound
	}
	return r, err
}

func (t *pgTx) SaveRequest(ctx context.Context, r booking.Request) error {
	res, err := t.tx.ExecContext(ctx, `
		update requests
		set contact=$2, nickname=$3, service_tags=$4, notes=$5, status=$6, updated_at=$7
		where id=$1
	`, r.ID, r.Contact, r.Nickname, joinTags(r.ServiceTags), r.Notes, string(r.Status), r.UpdatedAt.UTC())
	return affected(res, err)
}

// DeleteRequest relies on on-delete-cascade for the assignment and audit
// rows.
func (t *pgTx) DeleteRequest(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `delete from requests where id=$1`, id)
	return affected(res, err)
}

func (t *pgTx) Assignment(ctx context.Context, requestID int64) (booking.Assignment, bool, error) {
	a, err := scanAssignment(t.tx.QueryRowContext(ctx, `select `+assignmentColumns+` from assignments where request_id=$1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Assignment{}, false, nil
	}
	if err != nil {
		return booking.Assignment{}, false, err
	}
	return a, true, nil
}

func (t *pgTx) SaveAssignment(ctx context.Context, a booking.Assignment) error {
	var started sql.NullTime
	if a.StartedAt != nil {
		started = sql.NullTime{Time: a.StartedAt.UTC(), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into assignments(request_id, fulfiller_id, fulfiller_handle, assigned_by, assigned_at, started_at, due_alert_sent)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (request_id) do update set
			fulfiller_id = excluded.fulfiller_id,
			fulfiller_handle = excluded.fulfiller_handle,
			assigned_by = excluded.assigned_by,
			assigned_at = excluded.assigned_at,
			started_at = excluded.started_at,
			due_alert_sent = excluded.due_alert_sent
	`, a.RequestID, a.FulfillerID, a.FulfillerHandle, a.AssignedBy, a.AssignedAt.UTC(), started, a.DueAlertSent)
	return err
}

func (t *pgTx) Fulfiller(ctx context.Context, id int64) (booking.Fulfiller, bool, error) {
	return t.fulfiller(ctx, `select id, handle, registered_at from fulfillers where id=$1`, id)
}

func (t *pgTx) FulfillerByHandle(ctx context.Context, handle string) (booking.Fulfiller, bool, error) {
	return t.fulfiller(ctx, `select id, handle, registered_at from fulfillers where handle=$1`, booking.NormalizeHandle(handle))
}

func (t *pgTx) fulfiller(ctx context.Context, query string, arg any) (booking.Fulfiller, bool, error) {
	var f booking.Fulfiller
	err := t.tx.QueryRowContext(ctx, query, arg).Scan(&f.ID, &f.Handle, &f.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Fulfiller{}, false, nil
	}
	if err != nil {
		return booking.Fulfiller{}, false, err
	}
	return f, true, nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e booking.AuditEntry) (booking.AuditEntry, error) {
	err := t.tx.QueryRowContext(ctx, `
		insert into audit_log(request_id, actor_id, action, target, detail, at)
		values ($1,$2,$3,$4,$5,$6)
		returning id
	`, e.RequestID, e.ActorID, e.Action, e.Target, e.Detail, e.At.UTC()).Scan(&e.ID)
	if err != nil {
		return booking.AuditEntry{}, err
	}
	return e, nil
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return booking.ErrNotFound
	}
	return nil
}
