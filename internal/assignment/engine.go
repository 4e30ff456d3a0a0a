// Package assignment ranks fulfillers by weekly load and validates
// assignment targets.
package assignment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"sacristy.org/internal/booking"
	"sacristy.org/internal/clock"
)

// SuggestionCount is how many candidates Suggest returns.
const SuggestionCount = 3

// Candidate is a fulfiller with its load for the current week.
type Candidate struct {
	Fulfiller booking.Fulfiller `json:"fulfiller"`
	Load      int               `json:"load"`
}

// Engine computes load-aware suggestions. It never mutates the store.
type Engine struct {
	db    booking.Store
	clock clock.Clock
	loc   *time.Location
}

// New builds an engine measuring weeks in loc.
func New(db booking.Store, clk clock.Clock, loc *time.Location) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{db: db, clock: clk, loc: loc}
}

// Suggest returns up to SuggestionCount least-loaded fulfillers for the
// current week.
func (e *Engine) Suggest(ctx context.Context) ([]Candidate, error) {
	ranked, err := e.Rank(ctx, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if len(ranked) > SuggestionCount {
		ranked = ranked[:SuggestionCount]
	}
	return ranked, nil
}

// Rank orders every registered fulfiller by the number of assignments
// whose request was updated during the calendar week containing at.
// Ties are broken by handle.
func (e *Engine) Rank(ctx context.Context, at time.Time) ([]Candidate, error) {
	fulfillers, err := e.db.Fulfillers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fulfillers: %w", err)
	}
	loads, err := e.weeklyLoads(ctx, at)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(fulfillers))
	for _, f := range fulfillers {
		out = append(out, Candidate{Fulfiller: f, Load: loads[f.ID]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Load != out[j].Load {
			return out[i].Load < out[j].Load
		}
		return out[i].Fulfiller.Handle < out[j].Fulfiller.Handle
	})
	return out, nil
}

func (e *Engine) weeklyLoads(ctx context.Context, at time.Time) (map[int64]int, error) {
	start, end := booking.WeekWindow(at, e.loc)
	reqs, err := e.db.RequestsUpdatedBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("weekly requests: %w", err)
	}
	idsList := make([]int64, 0, len(reqs))
	for _, r := range reqs {
		idsList = append(idsList, r.ID)
	}
	assignments, err := e.db.Assignments(ctx, idsList)
	if err != nil {
		return nil, fmt.Errorf("weekly assignments: %w", err)
	}
	loads := make(map[int64]int, len(assignments))
	for _, a := range assignments {
		loads[a.FulfillerID]++
	}
	return loads, nil
}

// ResolveTarget looks up the fulfiller registered under handle inside tx.
func ResolveTarget(ctx context.Context, tx booking.Tx, handle string) (booking.Fulfiller, error) {
	h := booking.NormalizeHandle(handle)
	if h == "" {
		return booking.Fulfiller{}, fmt.Errorf("%w: handle is required", booking.ErrInvalidInput)
	}
	f, ok, err := tx.FulfillerByHandle(ctx, h)
	if err != nil {
		return booking.Fulfiller{}, err
	}
	if !ok {
		return booking.Fulfiller{}, fmt.Errorf("%w: @%s", booking.ErrUnregistered, h)
	}
	return f, nil
}

// CheckAssignable enforces that a first assignment never overwrites one.
func CheckAssignable(r booking.Request, hasAssignment bool) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: request #%d is %s", booking.ErrInvalidState, r.ID, r.Status)
	}
	if hasAssignment || r.Status != booking.StatusPending {
		return fmt.Errorf("%w: request #%d is already assigned", booking.ErrInvalidState, r.ID)
	}
	return nil
}

// CheckReassignable enforces that reassignment only replaces an existing
// assignment on an open request.
func CheckReassignable(r booking.Request, hasAssignment bool) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: request #%d is %s", booking.ErrInvalidState, r.ID, r.Status)
	}
	if !hasAssignment {
		return fmt.Errorf("%w: request #%d has no assignment", booking.ErrInvalidState, r.ID)
	}
	return nil
}
