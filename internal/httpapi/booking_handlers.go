package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sacristy.org/internal/auth"
	"sacristy.org/internal/booking"
	"sacristy.org/internal/lifecycle"
)

type createRequestBody struct {
	Origin      string   `json:"origin,omitempty"`
	RequesterID int64    `json:"requester_id,omitempty"`
	Contact     string   `json:"contact,omitempty"`
	Nickname    string   `json:"nickname"`
	ServiceTags []string `json:"service_tags"`
	Notes       string   `json:"notes,omitempty"`
}

type handleBody struct {
	Handle string `json:"handle"`
}

func (a *API) createRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req, err := a.lifecycle.Create(r.Context(), actorFrom(r), lifecycle.NewRequest{
		Origin:      booking.Origin(strings.ToLower(strings.TrimSpace(body.Origin))),
		RequesterID: body.RequesterID,
		Contact:     body.Contact,
		Nickname:    body.Nickname,
		ServiceTags: body.ServiceTags,
		Notes:       body.Notes,
	})
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/requests/%d", req.ID))
	writeJSON(w, http.StatusCreated, req)
}

func (a *API) listRequests(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f, err := a.query.ParseFilter(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	res, err := a.query.List(r.Context(), f, page)
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	item, err := a.query.Get(r.Context(), id)
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	actor := actorFrom(r)
	visible := actor.Can(auth.PermViewAll) ||
		actor.ID == item.RequesterID || actor.ID == item.RegisteredBy ||
		(item.Assignment != nil && item.Assignment.FulfillerID == actor.ID)
	if !visible {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) requestAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	entries, err := a.query.Audit(r.Context(), id)
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) takeRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	if !a.selfRegister(w, r) {
		return
	}
	req, err := a.lifecycle.Take(r.Context(), actorFrom(r), id)
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) assignRequest(w http.ResponseWriter, r *http.Request) {
	a.assignWith(w, r, a.lifecycle.Assign)
}

func (a *API) reassignRequest(w http.ResponseWriter, r *http.Request) {
	a.assignWith(w, r, a.lifecycle.Reassign)
}

type assignFunc func(ctx context.Context, actor auth.Actor, id int64, handle string) (booking.Assignment, error)

func (a *API) assignWith(w http.ResponseWriter, r *http.Request, fn assignFunc) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	var body handleBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Handle) == "" {
		writeError(w, r, http.StatusBadRequest, "handle is required")
		return
	}
	asg, err := fn(r.Context(), actorFrom(r), id, body.Handle)
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asg)
}

func (a *API) completeRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	if !a.selfRegister(w, r) {
		return
	}
	req, err := a.lifecycle.Complete(r.Context(), actorFrom(r), id)
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	req, err := a.lifecycle.Cancel(r.Context(), actorFrom(r), id)
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) purgeRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	if err := a.lifecycle.Purge(r.Context(), actorFrom(r), id); err != nil {
		handleBookingError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) suggestions(w http.ResponseWriter, r *http.Request) {
	cands, err := a.assignment.Suggest(r.Context())
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cands})
}

func (a *API) listFulfillers(w http.ResponseWriter, r *http.Request) {
	ranked, err := a.assignment.Rank(r.Context(), a.clock.Now())
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ranked})
}

func (a *API) registerFulfiller(w http.ResponseWriter, r *http.Request) {
	var body handleBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f, err := a.lifecycle.RegisterFulfiller(r.Context(), actorFrom(r), body.Handle)
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *API) myAssignments(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.query.OwnAssignments(r.Context(), actorFrom(r).ID, page)
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) weeklyReport(w http.ResponseWriter, r *http.Request) {
	at := a.clock.Now()
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		parsed, err := parseInstant(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "at must be RFC3339 or YYYY-MM-DD")
			return
		}
		at = parsed
	}
	rep, err := a.query.WeeklyReport(r.Context(), at)
	if err != nil {
		handleBookingError(w, r, err)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(rep.String()))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// selfRegister refreshes the fulfiller registry for a priest acting with
// a handle in its token.
func (a *API) selfRegister(w http.ResponseWriter, r *http.Request) bool {
	actor := actorFrom(r)
	handle, ok := auth.HandleFromContext(r.Context())
	if !ok || !actor.Has(auth.RoleFulfiller) {
		return true
	}
	if _, err := a.lifecycle.RegisterFulfiller(r.Context(), actor, handle); err != nil {
		handleBookingError(w, r, err)
		return false
	}
	return true
}

func requestID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid request id")
		return 0, false
	}
	return id, true
}

func parsePage(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("page"))
	if raw == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, fmt.Errorf("page must be a positive integer")
	}
	return page, nil
}

func parseInstant(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
