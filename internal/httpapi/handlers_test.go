package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"sacristy.org/internal/assignment"
	"sacristy.org/internal/auth"
	"sacristy.org/internal/booking"
	"sacristy.org/internal/catalog"
	"sacristy.org/internal/clock"
	"sacristy.org/internal/escalation"
	"sacristy.org/internal/lifecycle"
	"sacristy.org/internal/query"
	"sacristy.org/internal/stream"
)

const testBotSecret = "bot-secret"

const (
	secretaryID int64 = 200
	alfaID      int64 = 11
	bravoID     int64 = 12
	directorID  int64 = 300
	memberID    int64 = 500
)

var testNow = time.Date(2024, 3, 13, 11, 0, 0, 0, time.UTC)

type apiClient struct {
	baseURL string
	client  *http.Client
	clock   *clock.Fake
	sched   *escalation.TimerScheduler
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	clk := clock.NewFake(testNow)
	db := booking.NewInMemory()
	cat := catalog.Default()
	esc := escalation.NewEscalator(db, nil, clk, escalation.DefaultSLA)
	sched := escalation.NewTimerScheduler(clk, esc.Fire)
	t.Cleanup(sched.Stop)

	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	api := New(Deps{
		Lifecycle:     lifecycle.New(db, sched, lifecycle.WithClock(clk), lifecycle.WithCatalog(cat)),
		Query:         query.New(db, cat, rome),
		Assignment:    assignment.New(db, clk, rome),
		Catalog:       cat,
		Directory:     auth.NewDirectory([]int64{secretaryID}, []int64{alfaID, bravoID}, []int64{directorID}),
		Issuer:        issuer,
		BotSecret:     testBotSecret,
		Stream:        stream.New(),
		Clock:         clk,
		Version:       "test",
		RateBurst:     1000,
		RatePerSecond: 1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		clock:   clk,
		sched:   sched,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) obtainToken(userID int64, handle string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user_id": userID,
		"handle":  handle,
	}, map[string]string{botSecretHeader: testBotSecret})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func bearerHeader(token string) map[string]string {
	return map[string]string{authHeader: "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		t.Fatalf("expected status %d, got %d (%v)", want, resp.StatusCode, body)
	}
}

func TestAPIBookingFlow(t *testing.T) {
	c := newTestAPI(t)

	member := bearerHeader(c.obtainToken(memberID, ""))
	alfa := bearerHeader(c.obtainToken(alfaID, "alfa"))
	bravo := bearerHeader(c.obtainToken(bravoID, "@Bravo"))
	director := bearerHeader(c.obtainToken(directorID, ""))

	resp := c.post("/v1/requests", map[string]any{
		"nickname":     "Maria",
		"contact":      "@maria",
		"service_tags": []string{"Battesimo", "matrimonio"},
		"notes":        "Sunday morning",
	}, member)
	expectStatus(t, resp, http.StatusCreated)
	created := decode[booking.Request](t, resp)
	if created.ID == 0 || created.Status != booking.StatusPending || created.RequesterID != memberID {
		t.Fatalf("unexpected request: %+v", created)
	}
	if len(created.ServiceTags) != 2 || created.ServiceTags[0] != "battesimo" {
		t.Fatalf("tags not normalized: %v", created.ServiceTags)
	}
	path := fmt.Sprintf("/v1/requests/%d", created.ID)

	resp = c.get("/v1/suggestions", nil, director)
	expectStatus(t, resp, http.StatusOK)
	sugg := decode[struct {
		Items []assignment.Candidate `json:"items"`
	}](t, resp)
	if len(sugg.Items) != 2 || sugg.Items[0].Fulfiller.Handle != "alfa" {
		t.Fatalf("unexpected suggestions: %+v", sugg.Items)
	}

	resp = c.post(path+"/assign", map[string]string{"handle": "@alfa"}, director)
	expectStatus(t, resp, http.StatusOK)
	asg := decode[booking.Assignment](t, resp)
	if asg.FulfillerID != alfaID || asg.AssignedBy != directorID {
		t.Fatalf("unexpected assignment: %+v", asg)
	}
	if !c.sched.Pending(created.ID) {
		t.Fatalf("expected escalation timer for request %d", created.ID)
	}

	resp = c.post(path+"/assign", map[string]string{"handle": "bravo"}, director)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.get("/v1/me/assignments", nil, alfa)
	expectStatus(t, resp, http.StatusOK)
	own := decode[query.Page](t, resp)
	if own.Total != 1 || own.PageSize != query.OwnPageSize || !own.Items[0].Todo {
		t.Fatalf("unexpected own assignments: %+v", own)
	}

	resp = c.post(path+"/take", nil, alfa)
	expectStatus(t, resp, http.StatusOK)
	taken := decode[booking.Request](t, resp)
	if taken.Status != booking.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", taken.Status)
	}
	if c.sched.Pending(created.ID) {
		t.Fatalf("timer should be canceled once work starts")
	}

	resp = c.post(path+"/complete", nil, bravo)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post(path+"/complete", nil, alfa)
	expectStatus(t, resp, http.StatusOK)
	done := decode[booking.Request](t, resp)
	if done.Status != booking.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	resp = c.post(path+"/cancel", nil, member)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.get(path, nil, member)
	expectStatus(t, resp, http.StatusOK)
	item := decode[query.Item](t, resp)
	if item.Services != "Battesimo, Matrimonio" || item.Assignment == nil || item.Assignment.FulfillerHandle != "alfa" {
		t.Fatalf("unexpected item: %+v", item)
	}

	resp = c.get(path, nil, bravo)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.get(path+"/audit", nil, director)
	expectStatus(t, resp, http.StatusOK)
	trail := decode[struct {
		Items []booking.AuditEntry `json:"items"`
	}](t, resp)
	var actions []string
	for _, e := range trail.Items {
		actions = append(actions, e.Action)
	}
	if got := strings.Join(actions, ","); got != "create,assign,take,complete" {
		t.Fatalf("unexpected audit trail %q", got)
	}

	resp = c.get("/v1/requests", url.Values{"filter": {"@alfa"}}, director)
	expectStatus(t, resp, http.StatusOK)
	list := decode[query.Page](t, resp)
	if list.Total != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("unexpected filtered list: %+v", list)
	}

	resp = c.get("/v1/reports/weekly", url.Values{"at": {"2024-03-13"}}, director)
	expectStatus(t, resp, http.StatusOK)
	rep := decode[query.Report](t, resp)
	if rep.Completed != 1 || len(rep.ByFulfiller) != 1 || rep.ByFulfiller[0].Handle != "alfa" {
		t.Fatalf("unexpected report: %+v", rep)
	}

	resp = c.do(http.MethodDelete, path, nil, director)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = c.get(path, nil, director)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAPISelfTerminatingAndStaffRegistration(t *testing.T) {
	c := newTestAPI(t)
	secretary := bearerHeader(c.obtainToken(secretaryID, ""))

	resp := c.post("/v1/requests", map[string]any{
		"origin":       "staff",
		"requester_id": 42,
		"contact":      "+39 333 000",
		"nickname":     "Luigi",
		"service_tags": []string{"divorzio"},
	}, secretary)
	expectStatus(t, resp, http.StatusCreated)
	r := decode[booking.Request](t, resp)
	if r.Status != booking.StatusCompleted || r.RegisteredBy != secretaryID || r.RequesterID != 42 {
		t.Fatalf("unexpected staff request: %+v", r)
	}

	resp = c.post("/v1/requests", map[string]any{
		"origin":       "staff",
		"nickname":     "Luigi",
		"service_tags": []string{"divorzio", "battesimo"},
	}, secretary)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	// Secretaries register on behalf of others, never as members.
	resp = c.post("/v1/requests", map[string]any{
		"nickname":     "Luigi",
		"service_tags": []string{"battesimo"},
	}, secretary)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestAPIErrorMapping(t *testing.T) {
	c := newTestAPI(t)
	member := bearerHeader(c.obtainToken(memberID, ""))
	director := bearerHeader(c.obtainToken(directorID, ""))

	cases := []struct {
		name    string
		method  string
		path    string
		body    any
		headers map[string]string
		want    int
	}{
		{"unknown service", http.MethodPost, "/v1/requests", map[string]any{"nickname": "x", "service_tags": []string{"nope"}}, member, http.StatusBadRequest},
		{"missing nickname", http.MethodPost, "/v1/requests", map[string]any{"service_tags": []string{"battesimo"}}, member, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/requests", map[string]any{"nick": "x"}, member, http.StatusBadRequest},
		{"missing request", http.MethodPost, "/v1/requests/999/cancel", nil, director, http.StatusNotFound},
		{"bad id", http.MethodGet, "/v1/requests/abc", nil, director, http.StatusBadRequest},
		{"unregistered handle", http.MethodPost, "/v1/requests/1/assign", map[string]string{"handle": "ghost"}, director, http.StatusUnprocessableEntity},
		{"member cannot list", http.MethodGet, "/v1/requests", nil, member, http.StatusForbidden},
		{"member cannot report", http.MethodGet, "/v1/reports/weekly", nil, member, http.StatusForbidden},
		{"bad page", http.MethodGet, "/v1/requests?page=0", nil, director, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/v1/nothing", nil, director, http.StatusNotFound},
	}

	resp := c.post("/v1/requests", map[string]any{"nickname": "Anna", "service_tags": []string{"unzione"}}, member)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := c.do(tc.method, tc.path, tc.body, tc.headers)
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body["error"] == nil || body["request_id"] == nil {
				t.Fatalf("expected error and request_id in body: %v", body)
			}
		})
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/v1/requests", nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	resp = c.get("/v1/requests", nil, map[string]string{authHeader: "Bearer not-a-token"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	health := decode[map[string]any](t, resp)
	if health["service"] != serviceName || health["version"] != "test" {
		t.Fatalf("unexpected health payload: %v", health)
	}

	resp = c.get("/readyz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestTokenEndpointValidation(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/auth/token", map[string]any{"user_id": memberID}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.post("/v1/auth/token", map[string]any{"user_id": memberID}, map[string]string{botSecretHeader: "wrong"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.post("/v1/auth/token", map[string]any{}, map[string]string{botSecretHeader: testBotSecret})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.post("/v1/auth/token", map[string]any{"user_id": directorID}, map[string]string{botSecretHeader: testBotSecret})
	expectStatus(t, resp, http.StatusOK)
	tok := decode[tokenResponse](t, resp)
	if strings.Join(tok.Roles, ",") != "member,director" {
		t.Fatalf("unexpected roles %v", tok.Roles)
	}
}

func TestFulfillerRegistersWithToken(t *testing.T) {
	c := newTestAPI(t)
	director := bearerHeader(c.obtainToken(directorID, ""))
	c.obtainToken(alfaID, "@Alfa")

	resp := c.get("/v1/fulfillers", nil, director)
	expectStatus(t, resp, http.StatusOK)
	list := decode[struct {
		Items []assignment.Candidate `json:"items"`
	}](t, resp)
	if len(list.Items) != 1 || list.Items[0].Fulfiller.Handle != "alfa" {
		t.Fatalf("unexpected fulfillers: %+v", list.Items)
	}

	member := bearerHeader(c.obtainToken(memberID, ""))
	resp = c.do(http.MethodPut, "/v1/fulfillers/me", map[string]string{"handle": "sneaky"}, member)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}
