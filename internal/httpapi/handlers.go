package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sacristy.org/internal/assignment"
	"sacristy.org/internal/auth"
	"sacristy.org/internal/booking"
	"sacristy.org/internal/catalog"
	"sacristy.org/internal/clock"
	"sacristy.org/internal/lifecycle"
	"sacristy.org/internal/obs"
	"sacristy.org/internal/query"
	"sacristy.org/internal/stream"
)

const serviceName = "sacristy-api"

// ReadyProbe checks readiness by pinging the database when one is used.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps wires the API to the core services.
type Deps struct {
	Lifecycle  *lifecycle.Engine
	Query      *query.Service
	Assignment *assignment.Engine
	Catalog    *catalog.Catalog
	Directory  *auth.Directory
	Issuer     *auth.Issuer
	// BotSecret authenticates the messaging front-end when it asks for
	// tokens on behalf of a user.
	BotSecret string
	Stream    *stream.Hub
	Ready     readinessChecker
	Clock     clock.Clock
	Version   string

	RateBurst     int
	RatePerSecond int
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	lifecycle  *lifecycle.Engine
	query      *query.Service
	assignment *assignment.Engine
	catalog    *catalog.Catalog
	directory  *auth.Directory
	issuer     *auth.Issuer
	botSecret  string
	stream     *stream.Hub
	ready      readinessChecker
	clock      clock.Clock
	version    string
	rateBurst  int
	ratePerSec int
}

func New(d Deps) *API {
	a := &API{
		lifecycle:  d.Lifecycle,
		query:      d.Query,
		assignment: d.Assignment,
		catalog:    d.Catalog,
		directory:  d.Directory,
		issuer:     d.Issuer,
		botSecret:  d.BotSecret,
		stream:     d.Stream,
		ready:      d.Ready,
		clock:      d.Clock,
		version:    d.Version,
		rateBurst:  d.RateBurst,
		ratePerSec: d.RatePerSecond,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	if a.catalog == nil {
		a.catalog = catalog.Default()
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(obs.Instrument, RequestID, LoggingJSON, SecurityHeaders, CORS)
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	r.Post("/v1/auth/token", a.handleAuthToken)

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)

		r.With(a.require(auth.PermViewCatalog)).Get("/v1/catalog", a.listCatalog)

		r.Route("/v1/requests", func(r chi.Router) {
			r.Post("/", a.createRequest)
			r.With(a.require(auth.PermViewAll)).Get("/", a.listRequests)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getRequest)
				r.Delete("/", a.purgeRequest)
				r.With(a.require(auth.PermViewAll)).Get("/audit", a.requestAudit)
				r.Post("/take", a.takeRequest)
				r.Post("/assign", a.assignRequest)
				r.Post("/reassign", a.reassignRequest)
				r.Post("/complete", a.completeRequest)
				r.Post("/cancel", a.cancelRequest)
			})
		})

		r.With(a.require(auth.PermAssign)).Get("/v1/suggestions", a.suggestions)
		r.With(a.require(auth.PermViewAll)).Get("/v1/fulfillers", a.listFulfillers)
		r.Put("/v1/fulfillers/me", a.registerFulfiller)
		r.With(a.require(auth.PermViewOwn)).Get("/v1/me/assignments", a.myAssignments)
		r.With(a.require(auth.PermReport)).Get("/v1/reports/weekly", a.weeklyReport)
		r.With(a.require(auth.PermSubscribe)).Get("/v1/events", a.Stream)
	})
	return r
}

// Handler returns the root handler. Metrics are recorded inside the
// router so they are labeled with the matched route pattern.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.clock.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) listCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": a.catalog.Types()})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// errorStatus maps core error kinds to HTTP codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, booking.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, booking.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, booking.ErrUnregistered):
		return http.StatusUnprocessableEntity
	case errors.Is(err, booking.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func handleBookingError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		obs.Error("request failed", err, map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		})
		writeError(w, r, code, "internal error")
		return
	}
	writeError(w, r, code, err.Error())
}
