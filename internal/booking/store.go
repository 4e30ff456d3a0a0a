package booking

import (
	"context"
	"time"
)

// Filter narrows request listings. Zero fields match everything.
type Filter struct {
	Status      Status
	FulfillerID int64
	// CurrentOnly restricts FulfillerID to the current assignment and
	// ignores earlier fulfillers recorded in the audit log.
	CurrentOnly bool
	Nickname    string
}

// Tx is the write view of a store inside Update. Reads through a Tx see
// the transaction's own writes.
type Tx interface {
	// InsertRequest stores r under the next identity and returns it.
	InsertRequest(ctx context.Context, r Request) (Request, error)
	// LockRequest loads a request and holds it for the rest of the
	// transaction. Returns ErrNotFound when absent.
	LockRequest(ctx context.Context, id int64) (Request, error)
	SaveRequest(ctx context.Context, r Request) error
	DeleteRequest(ctx context.Context, id int64) error

	// Assignment returns the assignment for a request, if any.
	Assignment(ctx context.Context, requestID int64) (Assignment, bool, error)
	SaveAssignment(ctx context.Context, a Assignment) error

	Fulfiller(ctx context.Context, id int64) (Fulfiller, bool, error)
	FulfillerByHandle(ctx context.Context, handle string) (Fulfiller, bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) (AuditEntry, error)
}

// Store persists requests, assignments, fulfillers and the audit log.
type Store interface {
	// Update runs fn in a single transaction. Returning an error from fn
	// discards every write fn made.
	Update(ctx context.Context, fn func(tx Tx) error) error

	GetRequest(ctx context.Context, id int64) (Request, error)
	GetAssignment(ctx context.Context, requestID int64) (Assignment, error)
	Assignments(ctx context.Context, requestIDs []int64) (map[int64]Assignment, error)
	// ActiveAssignments returns the assignments of every non-terminal request.
	ActiveAssignments(ctx context.Context) ([]Assignment, error)

	// ListRequests returns one slice of matching requests ordered by id
	// descending, plus the total number of matches.
	ListRequests(ctx context.Context, f Filter, offset, limit int) ([]Request, int, error)
	// RequestsUpdatedBetween returns requests with start <= UpdatedAt < end.
	RequestsUpdatedBetween(ctx context.Context, start, end time.Time) ([]Request, error)
	CountByStatus(ctx context.Context, statuses ...Status) (int, error)

	Fulfillers(ctx context.Context) ([]Fulfiller, error)
	// UpsertFulfiller inserts or refreshes a fulfiller keyed by ID. The
	// original RegisteredAt is kept on refresh. A handle held by another
	// fulfiller yields ErrInvalidInput.
	UpsertFulfiller(ctx context.Context, f Fulfiller) (Fulfiller, error)

	AuditLog(ctx context.Context, requestID int64) ([]AuditEntry, error)
}
