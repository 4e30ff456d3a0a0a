package booking

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusAssigned, StatusInProgress, StatusCompleted, StatusCanceled}

// OpenStatuses are the non-terminal statuses.
var OpenStatuses = []Status{StatusPending, StatusAssigned, StatusInProgress}

// ParseStatus maps a raw string to a known status.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Origin tells who created a request.
type Origin string

const (
	OriginMember Origin = "member-submitted"
	OriginStaff  Origin = "staff-registered"
)

func (o Origin) Valid() bool {
	return o == OriginMember || o == OriginStaff
}

// Audit actions.
const (
	ActionCreate   = "create"
	ActionTake     = "take"
	ActionAssign   = "assign"
	ActionReassign = "reassign"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionAlert    = "alert"
)

// Request is a single booking for one or more service types.
type Request struct {
	ID           int64     `json:"id"`
	Origin       Origin    `json:"origin"`
	RequesterID  int64     `json:"requester_id,omitempty"`
	Contact      string    `json:"contact,omitempty"`
	Nickname     string    `json:"nickname"`
	ServiceTags  []string  `json:"service_tags"`
	Notes        string    `json:"notes,omitempty"`
	Status       Status    `json:"status"`
	RegisteredBy int64     `json:"registered_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Assignment binds a request to the fulfiller currently responsible for it.
type Assignment struct {
	RequestID       int64      `json:"request_id"`
	FulfillerID     int64      `json:"fulfiller_id"`
	FulfillerHandle string     `json:"fulfiller_handle"`
	AssignedBy      int64      `json:"assigned_by"`
	AssignedAt      time.Time  `json:"assigned_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	DueAlertSent    bool       `json:"due_alert_sent"`
}

// DueFrom is the instant the SLA is measured from: work start when known,
// otherwise the latest (re)assignment.
func (a Assignment) DueFrom() time.Time {
	if a.StartedAt != nil && a.StartedAt.After(a.AssignedAt) {
		return *a.StartedAt
	}
	return a.AssignedAt
}

// Fulfiller is a registered staff member who can carry out requests.
type Fulfiller struct {
	ID           int64     `json:"id"`
	Handle       string    `json:"handle"`
	RegisteredAt time.Time `json:"registered_at"`
}

// AuditEntry records one state-changing action on a request.
type AuditEntry struct {
	ID        int64     `json:"id"`
	RequestID int64     `json:"request_id"`
	ActorID   int64     `json:"actor_id"`
	Action    string    `json:"action"`
	Target    int64     `json:"target,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// NormalizeHandle lower-cases a handle and strips a leading "@".
func NormalizeHandle(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimPrefix(h, "@")
	return strings.ToLower(strings.TrimSpace(h))
}

// WeekWindow returns the calendar week containing t: Monday 00:00 up to
// the following Monday 00:00 in loc.
func WeekWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	start := time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 7)
}
