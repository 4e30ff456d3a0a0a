// Package lifecycle implements the request state machine:
//
//	pending -> assigned -> in_progress -> completed
//	   \_________\______________\______-> canceled
//
// Every transition validates, then commits the state change and its
// audit entry in one store transaction, then adjusts the SLA timer, then
// notifies. Notification failures never undo a committed transition.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sacristy.org/internal/assignment"
	"sacristy.org/internal/audit"
	"sacristy.org/internal/auth"
	"sacristy.org/internal/booking"
	"sacristy.org/internal/catalog"
	"sacristy.org/internal/clock"
	"sacristy.org/internal/escalation"
	"sacristy.org/internal/notify"
	"sacristy.org/internal/obs"
)

// NewRequest is the input of Create.
type NewRequest struct {
	Origin booking.Origin `json:"origin"`
	// RequesterID is only read for staff-registered requests; members
	// are always their own requester.
	RequesterID int64    `json:"requester_id"`
	Contact     string   `json:"contact"`
	Nickname    string   `json:"nickname"`
	ServiceTags []string `json:"service_tags"`
	Notes       string   `json:"notes"`
}

// Engine runs lifecycle operations.
type Engine struct {
	db        booking.Store
	catalog   *catalog.Catalog
	scheduler escalation.Scheduler
	notifier  notify.Notifier
	clock     clock.Clock
	sla       time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithCatalog(c *catalog.Catalog) Option { return func(e *Engine) { e.catalog = c } }

// WithSLA sets the delay of per-assignment escalation timers.
func WithSLA(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sla = d
		}
	}
}

func New(db booking.Store, sched escalation.Scheduler, opts ...Option) *Engine {
	e := &Engine{
		db:        db,
		catalog:   catalog.Default(),
		scheduler: sched,
		notifier:  notify.Discard,
		clock:     clock.Real(),
		sla:       escalation.DefaultSLA,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create stores a new request. Member submissions are broadcast to the
// fulfillers, staff registrations to the directors. A self-terminating
// service is closed on creation.
func (e *Engine) Create(ctx context.Context, actor auth.Actor, in NewRequest) (booking.Request, error) {
	if in.Origin == "" {
		in.Origin = booking.OriginMember
	}
	if !in.Origin.Valid() {
		return e.failRequest(booking.ActionCreate, fmt.Errorf("%w: unknown origin %q", booking.ErrInvalidInput, in.Origin))
	}
	if actor.IsSystem() {
		return e.failRequest(booking.ActionCreate, booking.ErrUnauthorized)
	}

	r := booking.Request{
		Origin:   in.Origin,
		Contact:  strings.TrimSpace(in.Contact),
		Nickname: strings.TrimSpace(in.Nickname),
		Notes:    strings.TrimSpace(in.Notes),
	}
	switch in.Origin {
	case booking.OriginMember:
		if !actor.Can(auth.PermSubmit) {
			return e.failRequest(booking.ActionCreate, booking.ErrUnauthorized)
		}
		r.RequesterID = actor.ID
	case booking.OriginStaff:
		if !actor.Can(auth.PermRegister) {
			return e.failRequest(booking.ActionCreate, booking.ErrUnauthorized)
		}
		r.RequesterID = in.RequesterID
		r.RegisteredBy = actor.ID
	}
	if r.Nickname == "" {
		return e.failRequest(booking.ActionCreate, fmt.Errorf("%w: nickname is required", booking.ErrInvalidInput))
	}
	tags, selfTerminating, err := e.catalog.Normalize(in.ServiceTags)
	if err != nil {
		return e.failRequest(booking.ActionCreate, err)
	}
	r.ServiceTags = tags

	now := e.clock.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	r.Status = booking.StatusPending
	if selfTerminating {
		r.Status = booking.StatusCompleted
	}

	var entries []booking.AuditEntry
	err = e.db.Update(ctx, func(tx booking.Tx) error {
		var err error
		if r, err = tx.InsertRequest(ctx, r); err != nil {
			return err
		}
		created, err := tx.AppendAudit(ctx, booking.AuditEntry{
			RequestID: r.ID, ActorID: actor.ID, Action: booking.ActionCreate, Detail: string(r.Origin), At: now,
		})
		if err != nil {
			return err
		}
		entries = append(entries[:0], created)
		if selfTerminating {
			closed, err := tx.AppendAudit(ctx, booking.AuditEntry{
				RequestID: r.ID, ActorID: actor.ID, Action: booking.ActionComplete, Detail: "self-terminating", At: now,
			})
			if err != nil {
				return err
			}
			entries = append(entries, closed)
		}
		return nil
	})
	if err != nil {
		return e.failRequest(booking.ActionCreate, err)
	}
	e.committed(ctx, booking.ActionCreate, entries)

	summary := fmt.Sprintf("#%d %s for %s", r.ID, e.catalog.Labels(r.ServiceTags), r.Nickname)
	switch {
	case selfTerminating:
		e.notifier.Notify(ctx, notify.Directors(), notify.Message{
			Kind: notify.KindCompleted, RequestID: r.ID,
			Text: fmt.Sprintf("Request %s registered and closed.", summary),
		})
	case r.Origin == booking.OriginMember:
		e.notifier.Notify(ctx, notify.Fulfillers(), notify.Message{
			Kind: notify.KindNewRequest, RequestID: r.ID,
			Text:    withNotes(fmt.Sprintf("New request %s.", summary), r.Notes),
			Actions: []string{notify.ActionTake},
		})
	default:
		e.notifier.Notify(ctx, notify.Directors(), notify.Message{
			Kind: notify.KindNewRequest, RequestID: r.ID,
			Text: withNotes(fmt.Sprintf("New request %s registered by staff. Contact: %s.", summary, orDash(r.Contact)), r.Notes),
		})
	}
	return r, nil
}

// Take lets a registered fulfiller claim a pending or assigned request
// and start work on it.
func (e *Engine) Take(ctx context.Context, actor auth.Actor, id int64) (booking.Request, error) {
	if !actor.Can(auth.PermTake) {
		return e.failRequest(booking.ActionTake, booking.ErrUnauthorized)
	}
	var (
		r     booking.Request
		a     booking.Assignment
		entry booking.AuditEntry
	)
	err := e.db.Update(ctx, func(tx booking.Tx) error {
		var err error
		if r, err = tx.LockRequest(ctx, id); err != nil {
			return err
		}
		if r.Status != booking.StatusPending && r.Status != booking.StatusAssigned {
			return fmt.Errorf("%w: request #%d is %s", booking.ErrInvalidState, id, r.Status)
		}
		f, ok, err := tx.Fulfiller(ctx, actor.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: fulfiller %d", booking.ErrUnregistered, actor.ID)
		}
		now := e.clock.Now().UTC()
		a, ok, err = tx.Assignment(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			a = booking.Assignment{RequestID: id, AssignedAt: now}
		}
		if a.FulfillerID != f.ID {
			a.DueAlertSent = false
		}
		a.FulfillerID, a.FulfillerHandle = f.ID, f.Handle
		a.AssignedBy = 0
		a.StartedAt = &now
		if err := tx.SaveAssignment(ctx, a); err != nil {
			return err
		}
		r.Status = booking.StatusInProgress
		r.UpdatedAt = now
		if err := tx.SaveRequest(ctx, r); err != nil {
			return err
		}
		entry, err = tx.AppendAudit(ctx, booking.AuditEntry{
			RequestID: id, ActorID: actor.ID, Action: booking.ActionTake, Target: f.ID, At: now,
		})
		return err
	})
	if err != nil {
		return e.failRequest(booking.ActionTake, err)
	}
	e.committed(ctx, booking.ActionTake, []booking.AuditEntry{entry})
	e.scheduler.Cancel(id)

	if r.RequesterID != 0 {
		e.notifier.Notify(ctx, notify.User(r.RequesterID), notify.Message{
			Kind: notify.KindTaken, RequestID: id,
			Text: fmt.Sprintf("Your request #%d (%s) has been taken by @%s.", id, e.catalog.Labels(r.ServiceTags), a.FulfillerHandle),
		})
	}
	return r, nil
}

// Assign gives a pending request its first fulfiller and starts the SLA
// timer. It never overwrites an existing assignment.
func (e *Engine) Assign(ctx context.Context, actor auth.Actor, id int64, handle string) (booking.Assignment, error) {
	if !actor.Can(auth.PermAssign) {
		return e.failAssignment(booking.ActionAssign, booking.ErrUnauthorized)
	}
	var (
		r     booking.Request
		a     booking.Assignment
		entry booking.AuditEntry
	)
	err := e.db.Update(ctx, func(tx booking.Tx) error {
		var err error
		if r, err = tx.LockRequest(ctx, id); err != nil {
			return err
		}
		_, has, err := tx.Assignment(ctx, id)
		if err != nil {
			return err
		}
		if err := assignment.CheckAssignable(r, has); err != nil {
			return err
		}
		f, err := assignment.ResolveTarget(ctx, tx, handle)
		if err != nil {
			return err
		}
		now := e.clock.Now().UTC()
		a = booking.Assignment{
			RequestID:       id,
			FulfillerID:     f.ID,
			FulfillerHandle: f.Handle,
			AssignedBy:      actor.ID,
			AssignedAt:      now,
		}
		if err := tx.SaveAssignment(ctx, a); err != nil {
			return err
		}
		r.Status = booking.StatusAssigned
		r.UpdatedAt = now
		if err := tx.SaveRequest(ctx, r); err != nil {
			return err
		}
		entry, err = tx.AppendAudit(ctx, booking.AuditEntry{
			RequestID: id, ActorID: actor.ID, Action: booking.ActionAssign, Target: f.ID, Detail: "@" + f.Handle, At: now,
		})
		return err
	})
	if err != nil {
		return e.failAssignment(booking.ActionAssign, err)
	}
	e.committed(ctx, booking.ActionAssign, []booking.AuditEntry{entry})
	e.scheduler.Schedule(id, e.sla, escalation.Due{RequestID: id, FulfillerID: a.FulfillerID, Handle: a.FulfillerHandle})

	e.notifier.Notify(ctx, notify.User(a.FulfillerID), notify.Message{
		Kind: notify.KindAssigned, RequestID: id,
		Text: e.assignedText(r),
	})
	return a, nil
}

// Reassign moves an existing assignment to another fulfiller, resets the
// alert flag and restarts the SLA timer. The status is unchanged.
func (e *Engine) Reassign(ctx context.Context, actor auth.Actor, id int64, handle string) (booking.Assignment, error) {
	if !actor.Can(auth.PermAssign) {
		return e.failAssignment(booking.ActionReassign, booking.ErrUnauthorized)
	}
	var (
		r     booking.Request
		a     booking.Assignment
		entry booking.AuditEntry
	)
	err := e.db.Update(ctx, func(tx booking.Tx) error {
		var err error
		if r, err = tx.LockRequest(ctx, id); err != nil {
			return err
		}
		var has bool
		a, has, err = tx.Assignment(ctx, id)
		if err != nil {
			return err
		}
		if err := assignment.CheckReassignable(r, has); err != nil {
			return err
		}
		f, err := assignment.ResolveTarget(ctx, tx, handle)
		if err != nil {
			return err
		}
		now := e.clock.Now().UTC()
		previous := a.FulfillerHandle
		a.FulfillerID, a.FulfillerHandle = f.ID, f.Handle
		a.AssignedBy = actor.ID
		a.AssignedAt = now
		a.DueAlertSent = false
		if err := tx.SaveAssignment(ctx, a); err != nil {
			return err
		}
		r.UpdatedAt = now
		if err := tx.SaveRequest(ctx, r); err != nil {
			return err
		}
		entry, err = tx.AppendAudit(ctx, booking.AuditEntry{
			RequestID: id, ActorID: actor.ID, Action: booking.ActionReassign, Target: f.ID,
			Detail: fmt.Sprintf("@%s -> @%s", previous, f.Handle), At: now,
		})
		return err
	})
	if err != nil {
		return e.failAssignment(booking.ActionReassign, err)
	}
	e.committed(ctx, booking.ActionReassign, []booking.AuditEntry{entry})
	e.scheduler.Cancel(id)
	e.scheduler.Schedule(id, e.sla, escalation.Due{RequestID: id, FulfillerID: a.FulfillerID, Handle: a.FulfillerHandle})

	e.notifier.Notify(ctx, notify.User(a.FulfillerID), notify.Message{
		Kind: notify.KindAssigned, RequestID: id,
		Text: e.assignedText(r),
	})
	return a, nil
}

// Complete closes a request. Only the currently assigned fulfiller may
// complete it.
func (e *Engine) Complete(ctx context.Context, actor auth.Actor, id int64) (booking.Request, error) {
	var (
		r     booking.Request
		a     booking.Assignment
		entry booking.AuditEntry
	)
	err := e.db.Update(ctx, func(tx booking.Tx) error {
		var err error
		if r, err = tx.LockRequest(ctx, id); err != nil {
			return err
		}
		if r.Status.Terminal() {
			return fmt.Errorf("%w: request #%d is %s", booking.ErrInvalidState, id, r.Status)
		}
		var has bool
		a, has, err = tx.Assignment(ctx, id)
		if err != nil {
			return err
		}
		if !has || actor.IsSystem() || a.FulfillerID != actor.ID {
			return fmt.Errorf("%w: request #%d is not assigned to you", booking.ErrUnauthorized, id)
		}
		now := e.clock.Now().UTC()
		r.Status = booking.StatusCompleted
		r.UpdatedAt = now
		if err := tx.SaveRequest(ctx, r); err != nil {
			return err
		}
		entry, err = tx.AppendAudit(ctx, booking.AuditEntry{
			RequestID: id, ActorID: actor.ID, Action: booking.ActionComplete, Target: actor.ID, At: now,
		})
		return err
	})
	if err != nil {
		return e.failRequest(booking.ActionComplete, err)
	}
	e.committed(ctx, booking.ActionComplete, []booking.AuditEntry{entry})
	e.scheduler.Cancel(id)

	e.notifier.Notify(ctx, notify.Directors(), notify.Message{
		Kind: notify.KindCompleted, RequestID: id,
		Text: fmt.Sprintf("Request #%d (%s) for %s completed by @%s.", id, e.catalog.Labels(r.ServiceTags), r.Nickname, a.FulfillerHandle),
	})
	return r, nil
}

// Cancel withdraws an open request. Directors may cancel any request;
// requesters and the registering staff member may cancel their own.
func (e *Engine) Cancel(ctx context.Context, actor auth.Actor, id int64) (booking.Request, error) {
	var (
		r     booking.Request
		a     booking.Assignment
		has   bool
		entry booking.AuditEntry
	)
	err := e.db.Update(ctx, func(tx booking.Tx) error {
		var err error
		if r, err = tx.LockRequest(ctx, id); err != nil {
			return err
		}
		if !canCancel(actor, r) {
			return fmt.Errorf("%w: cannot cancel request #%d", booking.ErrUnauthorized, id)
		}
		if r.Status.Terminal() {
			return fmt.Errorf("%w: request #%d is %s", booking.ErrInvalidState, id, r.Status)
		}
		if a, has, err = tx.Assignment(ctx, id); err != nil {
			return err
		}
		now := e.clock.Now().UTC()
		r.Status = booking.StatusCanceled
		r.UpdatedAt = now
		if err := tx.SaveRequest(ctx, r); err != nil {
			return err
		}
		entry, err = tx.AppendAudit(ctx, booking.AuditEntry{
			RequestID: id, ActorID: actor.ID, Action: booking.ActionCancel, At: now,
		})
		return err
	})
	if err != nil {
		return e.failRequest(booking.ActionCancel, err)
	}
	e.committed(ctx, booking.ActionCancel, []booking.AuditEntry{entry})
	e.scheduler.Cancel(id)

	if has {
		e.notifier.Notify(ctx, notify.User(a.FulfillerID), notify.Message{
			Kind: notify.KindCanceled, RequestID: id,
			Text: fmt.Sprintf("Request #%d (%s) for %s has been canceled.", id, e.catalog.Labels(r.ServiceTags), r.Nickname),
		})
	}
	return r, nil
}

// Purge deletes a request together with its assignment and audit trail.
func (e *Engine) Purge(ctx context.Context, actor auth.Actor, id int64) error {
	const action = "purge"
	if !actor.Can(auth.PermPurge) {
		obs.ObserveTransition(action, booking.ErrorKind(booking.ErrUnauthorized))
		return booking.ErrUnauthorized
	}
	err := e.db.Update(ctx, func(tx booking.Tx) error {
		return tx.DeleteRequest(ctx, id)
	})
	obs.ObserveTransition(action, booking.ErrorKind(err))
	if err != nil {
		return err
	}
	e.scheduler.Cancel(id)
	_ = audit.LogEvent(ctx, "booking.purge", map[string]any{"booking_id": id, "actor": actor.ID})
	return nil
}

// RegisterFulfiller records or refreshes the caller in the fulfiller
// registry so directors can assign to its handle.
func (e *Engine) RegisterFulfiller(ctx context.Context, actor auth.Actor, handle string) (booking.Fulfiller, error) {
	if !actor.Has(auth.RoleFulfiller) {
		return booking.Fulfiller{}, booking.ErrUnauthorized
	}
	return e.db.UpsertFulfiller(ctx, booking.Fulfiller{
		ID:           actor.ID,
		Handle:       handle,
		RegisteredAt: e.clock.Now().UTC(),
	})
}

func canCancel(actor auth.Actor, r booking.Request) bool {
	if actor.Can(auth.PermCancelAny) {
		return true
	}
	if actor.IsSystem() {
		return false
	}
	return actor.ID == r.RequesterID || actor.ID == r.RegisteredBy
}

func (e *Engine) committed(ctx context.Context, action string, entries []booking.AuditEntry) {
	obs.ObserveTransition(action, "ok")
	audit.Mirror(ctx, entries...)
}

func (e *Engine) failRequest(action string, err error) (booking.Request, error) {
	obs.ObserveTransition(action, booking.ErrorKind(err))
	return booking.Request{}, err
}

func (e *Engine) failAssignment(action string, err error) (booking.Assignment, error) {
	obs.ObserveTransition(action, booking.ErrorKind(err))
	return booking.Assignment{}, err
}

func (e *Engine) assignedText(r booking.Request) string {
	return withNotes(fmt.Sprintf("You have been assigned request #%d: %s for %s. Contact: %s.",
		r.ID, e.catalog.Labels(r.ServiceTags), r.Nickname, orDash(r.Contact)), r.Notes)
}

func withNotes(text, notes string) string {
	if notes == "" {
		return text
	}
	return text + " Notes: " + notes
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
