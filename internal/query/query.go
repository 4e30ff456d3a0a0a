// Package query serves read-only listings and reports over the booking
// store.
package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sacristy.org/internal/booking"
	"sacristy.org/internal/catalog"
)

const (
	// PageSize is the fixed page size of general listings.
	PageSize = 10
	// OwnPageSize is the page size of a fulfiller's own assignments.
	OwnPageSize = 5
)

// Item is a request with its current assignment, if any.
type Item struct {
	booking.Request
	Services   string              `json:"services"`
	Assignment *booking.Assignment `json:"assignment,omitempty"`
	// Todo marks own-assignment items still waiting to be started.
	Todo bool `json:"todo,omitempty"`
}

// Page is one slice of a listing. Pages are numbered from 1.
type Page struct {
	Items    []Item `json:"items"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Total    int    `json:"total"`
	Pages    int    `json:"pages"`
}

// Service answers listing and report queries.
type Service struct {
	db      booking.Store
	catalog *catalog.Catalog
	loc     *time.Location
}

func New(db booking.Store, cat *catalog.Catalog, loc *time.Location) *Service {
	if cat == nil {
		cat = catalog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{db: db, catalog: cat, loc: loc}
}

// ParseFilter interprets a free-text filter: a status name, a numeric
// fulfiller identity, an @handle of a registered fulfiller, or otherwise
// a nickname fragment. An unknown @handle matches nothing.
func (s *Service) ParseFilter(ctx context.Context, raw string) (booking.Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return booking.Filter{}, nil
	}
	if st, ok := booking.ParseStatus(raw); ok {
		return booking.Filter{Status: st}, nil
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		return booking.Filter{FulfillerID: id}, nil
	}
	if strings.HasPrefix(raw, "@") {
		handle := booking.NormalizeHandle(raw)
		fs, err := s.db.Fulfillers(ctx)
		if err != nil {
			return booking.Filter{}, err
		}
		for _, f := range fs {
			if f.Handle == handle {
				return booking.Filter{FulfillerID: f.ID}, nil
			}
		}
		return booking.Filter{FulfillerID: -1}, nil
	}
	return booking.Filter{Nickname: raw}, nil
}

// List returns page (1-based) of requests matching f, newest first.
func (s *Service) List(ctx context.Context, f booking.Filter, page int) (Page, error) {
	return s.page(ctx, f, page, PageSize, false)
}

// OwnAssignments lists the requests currently assigned to a fulfiller.
func (s *Service) OwnAssignments(ctx context.Context, fulfillerID int64, page int) (Page, error) {
	if fulfillerID <= 0 {
		return Page{}, fmt.Errorf("%w: fulfiller id is required", booking.ErrInvalidInput)
	}
	return s.page(ctx, booking.Filter{FulfillerID: fulfillerID, CurrentOnly: true}, page, OwnPageSize, true)
}

func (s *Service) page(ctx context.Context, f booking.Filter, page, size int, own bool) (Page, error) {
	if page < 1 {
		page = 1
	}
	reqs, total, err := s.db.ListRequests(ctx, f, (page-1)*size, size)
	if err != nil {
		return Page{}, err
	}
	items, err := s.items(ctx, reqs)
	if err != nil {
		return Page{}, err
	}
	if own {
		for i := range items {
			items[i].Todo = items[i].Status == booking.StatusAssigned
		}
	}
	return Page{
		Items:    items,
		Page:     page,
		PageSize: size,
		Total:    total,
		Pages:    (total + size - 1) / size,
	}, nil
}

// Get returns one request with its assignment.
func (s *Service) Get(ctx context.Context, id int64) (Item, error) {
	r, err := s.db.GetRequest(ctx, id)
	if err != nil {
		return Item{}, err
	}
	items, err := s.items(ctx, []booking.Request{r})
	if err != nil {
		return Item{}, err
	}
	return items[0], nil
}

// Audit returns the audit trail of a request, oldest first.
func (s *Service) Audit(ctx context.Context, id int64) ([]booking.AuditEntry, error) {
	return s.db.AuditLog(ctx, id)
}

func (s *Service) items(ctx context.Context, reqs []booking.Request) ([]Item, error) {
	idsList := make([]int64, 0, len(reqs))
	for _, r := range reqs {
		idsList = append(idsList, r.ID)
	}
	asg, err := s.db.Assignments(ctx, idsList)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(reqs))
	for _, r := range reqs {
		it := Item{Request: r, Services: s.catalog.Labels(r.ServiceTags)}
		if a, ok := asg[r.ID]; ok {
			a := a
			it.Assignment = &a
		}
		items = append(items, it)
	}
	return items, nil
}
