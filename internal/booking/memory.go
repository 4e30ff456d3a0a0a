package booking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety.
// Transactions are serialized; writes are staged and applied on commit.
type InMemory struct {
	mu          sync.RWMutex
	requests    map[int64]Request
	assignments map[int64]Assignment
	fulfillers  map[int64]Fulfiller
	audit       []AuditEntry
	lastRequest int64
	lastAudit   int64
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		requests:    make(map[int64]Request),
		assignments: make(map[int64]Assignment),
		fulfillers:  make(map[int64]Fulfiller),
	}
}

func (s *InMemory) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:           s,
		requests:    make(map[int64]Request),
		assignments: make(map[int64]Assignment),
		deleted:     make(map[int64]bool),
		lastRequest: s.lastRequest,
		lastAudit:   s.lastAudit,
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *InMemory) GetRequest(ctx context.Context, id int64) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (s *InMemory) GetAssignment(ctx context.Context, requestID int64) (Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[requestID]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return cloneAssignment(a), nil
}

func (s *InMemory) Assignments(ctx context.Context, requestIDs []int64) (map[int64]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]Assignment, len(requestIDs))
	for _, id := range requestIDs {
		if a, ok := s.assignments[id]; ok {
			out[id] = cloneAssignment(a)
		}
	}
	return out, nil
}

func (s *InMemory) ActiveAssignments(ctx context.Context) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assignment
	for id, a := range s.assignments {
		if r, ok := s.requests[id]; ok && !r.Status.Terminal() {
			out = append(out, cloneAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

func (s *InMemory) ListRequests(ctx context.Context, f Filter, offset, limit int) ([]Request, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var historic map[int64]bool
	if f.FulfillerID != 0 && !f.CurrentOnly {
		historic = make(map[int64]bool)
		for _, e := range s.audit {
			if e.Target == f.FulfillerID {
				historic[e.RequestID] = true
			}
		}
	}
	needle := strings.ToLower(strings.TrimSpace(f.Nickname))

	var matched []Request
	for _, r := range s.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(r.Nickname), needle) {
			continue
		}
		if f.FulfillerID != 0 {
			a, ok := s.assignments[r.ID]
			current := ok && a.FulfillerID == f.FulfillerID
			if !current && !historic[r.ID] {
				continue
			}
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []Request{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Request, 0, end-offset)
	for _, r := range matched[offset:end] {
		out = append(out, cloneRequest(r))
	}
	return out, total, nil
}

func (s *InMemory) RequestsUpdatedBetween(ctx context.Context, start, end time.Time) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Request
	for _, r := range s.requests {
		if !r.UpdatedAt.Before(start) && r.UpdatedAt.Before(end) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) CountByStatus(ctx context.Context, statuses ...Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	n := 0
	for _, r := range s.requests {
		if want[r.Status] {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) Fulfillers(ctx context.Context) ([]Fulfiller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fulfiller, 0, len(s.fulfillers))
	for _, f := range s.fulfillers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (s *InMemory) UpsertFulfiller(ctx context.Context, f Fulfiller) (Fulfiller, error) {
	f.Handle = NormalizeHandle(f.Handle)
	if f.ID == 0 || f.Handle == "" {
		return Fulfiller{}, fmt.Errorf("%w: fulfiller id and handle are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.fulfillers {
		if other.ID != f.ID && other.Handle == f.Handle {
			return Fulfiller{}, fmt.Errorf("%w: handle @%s already registered", ErrInvalidInput, f.Handle)
		}
	}
	if existing, ok := s.fulfillers[f.ID]; ok {
		f.RegisteredAt = existing.RegisteredAt
	}
	s.fulfillers[f.ID] = f
	return f, nil
}

func (s *InMemory) AuditLog(ctx context.Context, requestID int64) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.requests[requestID]; !ok {
		return nil, ErrNotFound
	}
	var out []AuditEntry
	for _, e := range s.audit {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

// memTx stages writes until Update returns. The store mutex is held for
// the whole transaction.
type memTx struct {
	s           *InMemory
	requests    map[int64]Request
	assignments map[int64]Assignment
	deleted     map[int64]bool
	audit       []AuditEntry
	lastRequest int64
	lastAudit   int64
}

func (tx *memTx) InsertRequest(ctx context.Context, r Request) (Request, error) {
	tx.lastRequest++
	r.ID = tx.lastRequest
	r = cloneRequest(r)
	tx.requests[r.ID] = r
	return cloneRequest(r), nil
}

func (tx *memTx) LockRequest(ctx context.Context, id int64) (Request, error) {
	if tx.deleted[id] {
		return Request{}, ErrNotFound
	}
	if r, ok := tx.requests[id]; ok {
		return cloneRequest(r), nil
	}
	r, ok := tx.s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (tx *memTx) SaveRequest(ctx context.Context, r Request) error {
	if _, err := tx.LockRequest(ctx, r.ID); err != nil {
		return err
	}
	tx.requests[r.ID] = cloneRequest(r)
	return nil
}

func (tx *memTx) DeleteRequest(ctx context.Context, id int64) error {
	if _, err := tx.LockRequest(ctx, id); err != nil {
		return err
	}
	delete(tx.requests, id)
	delete(tx.assignments, id)
	tx.deleted[id] = true
	return nil
}

func (tx *memTx) Assignment(ctx context.Context, requestID int64) (Assignment, bool, error) {
	if tx.deleted[requestID] {
		return Assignment{}, false, nil
	}
	if a, ok := tx.assignments[requestID]; ok {
		return cloneAssignment(a), true, nil
	}
	a, ok := tx.s.assignments[requestID]
	if !ok {
		return Assignment{}, false, nil
	}
	return cloneAssignment(a), true, nil
}

func (tx *memTx) SaveAssignment(ctx context.Context, a Assignment) error {
	if _, err := tx.LockRequest(ctx, a.RequestID); err != nil {
		return err
	}
	tx.assignments[a.RequestID] = cloneAssignment(a)
	return nil
}

func (tx *memTx) Fulfiller(ctx context.Context, id int64) (Fulfiller, bool, error) {
	f, ok := tx.s.fulfillers[id]
	return f, ok, nil
}

func (tx *memTx) FulfillerByHandle(ctx context.Context, handle string) (Fulfiller, bool, error) {
	handle = NormalizeHandle(handle)
	for _, f := range tx.s.fulfillers {
		if f.Handle == handle {
			return f, true, nil
		}
	}
	return Fulfiller{}, false, nil
}

func (tx *memTx) AppendAudit(ctx context.Context, e AuditEntry) (AuditEntry, error) {
	if _, err := tx.LockRequest(ctx, e.RequestID); err != nil {
		return AuditEntry{}, err
	}
	tx.lastAudit++
	e.ID = tx.lastAudit
	tx.audit = append(tx.audit, e)
	return e, nil
}

func (tx *memTx) commit() {
	s := tx.s
	for id := range tx.deleted {
		delete(s.requests, id)
		delete(s.assignments, id)
	}
	if len(tx.deleted) > 0 {
		kept := s.audit[:0]
		for _, e := range s.audit {
			if !tx.deleted[e.RequestID] {
				kept = append(kept, e)
			}
		}
		s.audit = kept
	}
	for id, r := range tx.requests {
		s.requests[id] = r
	}
	for id, a := range tx.assignments {
		s.assignments[id] = a
	}
	for _, e := range tx.audit {
		if !tx.deleted[e.RequestID] {
			s.audit = append(s.audit, e)
		}
	}
	s.lastRequest = tx.lastRequest
	s.lastAudit = tx.lastAudit
}

func cloneRequest(r Request) Request {
	if r.ServiceTags != nil {
		r.ServiceTags = append([]string(nil), r.ServiceTags...)
	}
	return r
}

func cloneAssignment(a Assignment) Assignment {
	if a.StartedAt != nil {
		t := *a.StartedAt
		a.StartedAt = &t
	}
	return a
}
