package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"sacristy.org/internal/booking"
	"sacristy.org/internal/ids"
)

// ServiceCount is a per-service tally.
type ServiceCount struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// FulfillerTally counts the completed requests of one fulfiller.
// FulfillerID 0 collects requests that closed without an assignment.
type FulfillerTally struct {
	FulfillerID int64          `json:"fulfiller_id"`
	Handle      string         `json:"handle,omitempty"`
	Completed   int            `json:"completed"`
	Services    []ServiceCount `json:"services"`
}

// Report aggregates one calendar week.
type Report struct {
	ID          string           `json:"id"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	Completed   int              `json:"completed"`
	ByFulfiller []FulfillerTally `json:"by_fulfiller"`
	ByService   []ServiceCount   `json:"by_service"`
	Open        int              `json:"open"`
}

// WeeklyReport aggregates the calendar week containing at. A request
// counts as completed in the week when its status is completed and its
// last update falls inside the week.
func (s *Service) WeeklyReport(ctx context.Context, at time.Time) (Report, error) {
	start, end := booking.WeekWindow(at, s.loc)
	reqs, err := s.db.RequestsUpdatedBetween(ctx, start, end)
	if err != nil {
		return Report{}, fmt.Errorf("weekly requests: %w", err)
	}
	var completed []booking.Request
	var idsList []int64
	for _, r := range reqs {
		if r.Status == booking.StatusCompleted {
			completed = append(completed, r)
			idsList = append(idsList, r.ID)
		}
	}
	asg, err := s.db.Assignments(ctx, idsList)
	if err != nil {
		return Report{}, fmt.Errorf("weekly assignments: %w", err)
	}
	open, err := s.db.CountByStatus(ctx, booking.OpenStatuses...)
	if err != nil {
		return Report{}, fmt.Errorf("open requests: %w", err)
	}

	type tally struct {
		handle   string
		total    int
		services map[string]int
	}
	perFulfiller := make(map[int64]*tally)
	perService := make(map[string]int)
	for _, r := range completed {
		var fid int64
		handle := ""
		if a, ok := asg[r.ID]; ok {
			fid, handle = a.FulfillerID, a.FulfillerHandle
		}
		t, ok := perFulfiller[fid]
		if !ok {
			t = &tally{handle: handle, services: make(map[string]int)}
			perFulfiller[fid] = t
		}
		t.total++
		for _, tag := range r.ServiceTags {
			t.services[tag]++
			perService[tag]++
		}
	}

	rep := Report{
		ID:        ids.At(at),
		Start:     start,
		End:       end,
		Completed: len(completed),
		ByService: s.serviceCounts(perService),
		Open:      open,
	}
	for fid, t := range perFulfiller {
		rep.ByFulfiller = append(rep.ByFulfiller, FulfillerTally{
			FulfillerID: fid,
			Handle:      t.handle,
			Completed:   t.total,
			Services:    s.serviceCounts(t.services),
		})
	}
	sort.Slice(rep.ByFulfiller, func(i, j int) bool {
		a, b := rep.ByFulfiller[i], rep.ByFulfiller[j]
		if a.Completed != b.Completed {
			return a.Completed > b.Completed
		}
		return a.FulfillerID < b.FulfillerID
	})
	return rep, nil
}

// serviceCounts orders counts by catalog position, unknown keys last.
func (s *Service) serviceCounts(m map[string]int) []ServiceCount {
	out := make([]ServiceCount, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, st := range s.catalog.Types() {
		if n, ok := m[st.Key]; ok {
			out = append(out, ServiceCount{Key: st.Key, Label: st.Label, Count: n})
			seen[st.Key] = true
		}
	}
	var rest []string
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		out = append(out, ServiceCount{Key: k, Label: k, Count: m[k]})
	}
	return out
}

// String renders the report as a plain-text message.
func (r Report) String() string {
	var b strings.Builder
	last := r.End.AddDate(0, 0, -1)
	fmt.Fprintf(&b, "Weekly report %s - %s\n", r.Start.Format("02/01/2006"), last.Format("02/01/2006"))
	fmt.Fprintf(&b, "Completed: %d\n", r.Completed)
	if len(r.ByFulfiller) > 0 {
		b.WriteString("By fulfiller:\n")
		for _, f := range r.ByFulfiller {
			name := "unassigned"
			if f.FulfillerID != 0 {
				name = "@" + f.Handle
			}
			parts := make([]string, 0, len(f.Services))
			for _, sc := range f.Services {
				parts = append(parts, fmt.Sprintf("%s %d", sc.Label, sc.Count))
			}
			fmt.Fprintf(&b, "  %s: %d (%s)\n", name, f.Completed, strings.Join(parts, ", "))
		}
	}
	if len(r.ByService) > 0 {
		b.WriteString("By service:\n")
		for _, sc := range r.ByService {
			fmt.Fprintf(&b, "  %s: %d\n", sc.Label, sc.Count)
		}
	}
	fmt.Fprintf(&b, "Open requests: %d", r.Open)
	return b.String()
}
