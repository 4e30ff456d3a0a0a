package escalation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sacristy.org/internal/audit"
	"sacristy.org/internal/booking"
	"sacristy.org/internal/clock"
	"sacristy.org/internal/notify"
	"sacristy.org/internal/obs"
)

// Alert sources recorded on the audit entry.
const (
	SourceTimer = "timer"
	SourceSweep = "sweep"
)

// DefaultSLA is how long an assignment may stay open before directors
// are alerted.
const DefaultSLA = 48 * time.Hour

// Escalator checks assignments against the SLA and alerts directors at
// most once per assignment.
type Escalator struct {
	db       booking.Store
	notifier notify.Notifier
	clock    clock.Clock
	sla      time.Duration
}

func NewEscalator(db booking.Store, n notify.Notifier, clk clock.Clock, sla time.Duration) *Escalator {
	if n == nil {
		n = notify.Discard
	}
	if clk == nil {
		clk = clock.Real()
	}
	if sla <= 0 {
		sla = DefaultSLA
	}
	return &Escalator{db: db, notifier: n, clock: clk, sla: sla}
}

// SLA returns the configured deadline.
func (e *Escalator) SLA() time.Duration { return e.sla }

// Fire handles an expired per-request timer. It alerts only when the
// request is still assigned to the fulfiller the timer was armed for, the
// alert has not been sent, and the current assignment is at least one SLA
// old. A callback released just before a reassignment canceled it finds a
// fresh assignment and does nothing.
func (e *Escalator) Fire(ctx context.Context, due Due) {
	_, err := e.raise(ctx, due.RequestID, SourceTimer, func(r booking.Request, a booking.Assignment) bool {
		if r.Status != booking.StatusAssigned || a.DueAlertSent {
			return false
		}
		if a.FulfillerID != due.FulfillerID {
			return false
		}
		return e.clock.Now().Sub(a.AssignedAt) >= e.sla
	})
	if err != nil {
		obs.Error("sla timer check failed", err, map[string]any{"booking_id": due.RequestID})
	}
}

// Sweep escalates every open assignment older than the SLA, measured from
// work start or the latest assignment. It is the durability backstop for
// timers lost on restart and returns the number of alerts raised.
func (e *Escalator) Sweep(ctx context.Context) (int, error) {
	active, err := e.db.ActiveAssignments(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	raised := 0
	var errs []error
	for _, a := range active {
		if a.DueAlertSent {
			continue
		}
		ok, err := e.raise(ctx, a.RequestID, SourceSweep, e.overdue)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			raised++
		}
	}
	return raised, errors.Join(errs...)
}

func (e *Escalator) overdue(r booking.Request, a booking.Assignment) bool {
	if r.Status != booking.StatusAssigned && r.Status != booking.StatusInProgress {
		return false
	}
	return !a.DueAlertSent && e.clock.Now().Sub(a.DueFrom()) > e.sla
}

// raise re-checks the request under lock so a concurrent transition
// either wins before the check or sees the flag set.
func (e *Escalator) raise(ctx context.Context, id int64, source string, eligible func(booking.Request, booking.Assignment) bool) (bool, error) {
	var (
		entry booking.AuditEntry
		asg   booking.Assignment
		fired bool
	)
	err := e.db.Update(ctx, func(tx booking.Tx) error {
		r, err := tx.LockRequest(ctx, id)
		if err != nil {
			return err
		}
		a, ok, err := tx.Assignment(ctx, id)
		if err != nil || !ok {
			return err
		}
		if !eligible(r, a) {
			return nil
		}
		a.DueAlertSent = true
		if err := tx.SaveAssignment(ctx, a); err != nil {
			return err
		}
		entry, err = tx.AppendAudit(ctx, booking.AuditEntry{
			RequestID: id,
			Action:    booking.ActionAlert,
			Target:    a.FulfillerID,
			Detail:    source,
			At:        e.clock.Now().UTC(),
		})
		if err != nil {
			return err
		}
		asg = a
		fired = true
		return nil
	})
	if errors.Is(err, booking.ErrNotFound) {
		return false, nil
	}
	if err != nil || !fired {
		return false, err
	}

	audit.Mirror(ctx, entry)
	obs.ObserveAlert(source)
	e.notifier.Notify(ctx, notify.Directors(), notify.Message{
		Kind:      notify.KindAlert,
		RequestID: id,
		Text: fmt.Sprintf("Request #%d assigned to @%s not completed within %s.",
			id, asg.FulfillerHandle, formatHours(e.sla)),
	})
	return true, nil
}

func formatHours(d time.Duration) string {
	return strconv.FormatFloat(d.Hours(), 'f', -1, 64) + "h"
}
