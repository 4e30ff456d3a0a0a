package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	flag "github.com/spf13/pflag"
)

type client struct {
	base   string
	secret string
	http   *http.Client
}

func main() {
	log.SetFlags(0)
	var (
		baseURL   = flag.String("url", "http://localhost:8080", "API base URL")
		botSecret = flag.String("bot-secret", os.Getenv("SACRISTY_BOT_SECRET"), "bot secret used to mint tokens")
		member    = flag.Int64("member", 9001, "member identity submitting the request")
		priest    = flag.Int64("priest", 0, "configured priest identity")
		handle    = flag.String("handle", "smoke", "handle the priest registers with")
		director  = flag.Int64("director", 0, "configured director identity")
		timeout   = flag.Duration("timeout", 10*time.Second, "overall timeout")
	)
	flag.Parse()

	if *botSecret == "" || *priest == 0 || *director == 0 {
		log.Fatal("usage: smoke --bot-secret S --priest ID --director ID [--url U]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := &client{base: *baseURL, secret: *botSecret, http: &http.Client{Timeout: 5 * time.Second}}

	memberTok := c.token(ctx, *member, "")
	priestTok := c.token(ctx, *priest, *handle)
	directorTok := c.token(ctx, *director, "")

	var req struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	c.call(ctx, http.MethodPost, "/v1/requests", memberTok, map[string]any{
		"nickname":     "smoke",
		"service_tags": []string{"battesimo"},
		"notes":        "smoke test",
	}, http.StatusCreated, &req)
	path := fmt.Sprintf("/v1/requests/%d", req.ID)

	c.call(ctx, http.MethodPost, path+"/assign", directorTok, map[string]string{"handle": *handle}, http.StatusOK, nil)
	c.call(ctx, http.MethodPost, path+"/take", priestTok, nil, http.StatusOK, nil)
	c.call(ctx, http.MethodPost, path+"/complete", priestTok, nil, http.StatusOK, &req)
	if req.Status != "completed" {
		log.Fatalf("request #%d ended as %q", req.ID, req.Status)
	}

	var trail struct {
		Items []struct {
			Action string `json:"action"`
		} `json:"items"`
	}
	c.call(ctx, http.MethodGet, path+"/audit", directorTok, nil, http.StatusOK, &trail)
	if len(trail.Items) != 4 {
		log.Fatalf("expected 4 audit entries, got %d", len(trail.Items))
	}
	c.call(ctx, http.MethodDelete, path, directorTok, nil, http.StatusNoContent, nil)

	fmt.Printf("smoke test passed: request #%d created, assigned, taken, completed and purged\n", req.ID)
}

func (c *client) token(ctx context.Context, userID int64, handle string) string {
	var out struct {
		Token string `json:"token"`
	}
	c.do(ctx, http.MethodPost, "/v1/auth/token", map[string]string{"X-Bot-Secret": c.secret},
		map[string]any{"user_id": userID, "handle": handle}, http.StatusOK, &out)
	return out.Token
}

func (c *client) call(ctx context.Context, method, path, token string, body any, want int, out any) {
	c.do(ctx, method, path, map[string]string{"Authorization": "Bearer " + token}, body, want, out)
}

func (c *client) do(ctx context.Context, method, path string, headers map[string]string, body any, want int, out any) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("%s %s: marshal: %v", method, path, err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		log.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}
