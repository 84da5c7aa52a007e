package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// maxResponseBytes bounds decoded response bodies.
const maxResponseBytes = 4 << 20

type client struct {
	http      *http.Client
	base      string
	requester string
}

func newClient(cfg Config) *client {
	return &client{http: &http.Client{Timeout: cfg.Timeout}, base: cfg.BaseURL, requester: cfg.Requester}
}

// statusError carries an unexpected HTTP response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (c *client) do(ctx context.Context, method, path string, body any, out any, accept ...int) (int, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Requester", c.requester)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	ok := len(accept) == 0 && resp.StatusCode == http.StatusOK
	for _, code := range accept {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		return resp.StatusCode, &statusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Cached bool   `json:"cached"`
}

func (c *client) submit(ctx context.Context, s submission) (submitResponse, int, error) {
	var out submitResponse
	code, err := c.do(ctx, http.MethodPost, "/evaluations", s, &out, http.StatusOK, http.StatusAccepted)
	return out, code, err
}

type taskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (c *client) task(ctx context.Context, id string) (taskResponse, error) {
	var out taskResponse
	_, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Entry is one leaderboard row as served by GET /leaderboard.
type Entry struct {
	Model     string    `json:"model"`
	Language  string    `json:"language"`
	Subject   string    `json:"subject"`
	TaskType  string    `json:"task_type"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

type leaderboardResponse struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

func (c *client) leaderboard(ctx context.Context, limit int) (leaderboardResponse, error) {
	var out leaderboardResponse
	_, err := c.do(ctx, http.MethodGet, "/leaderboard?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

func (c *client) health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	return err
}
