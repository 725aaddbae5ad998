package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/queue"
)

// client talks to the orchestrator's HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) submit(ctx context.Context, req job.SubmissionRequest) (*queue.Receipt, error) {
	var r queue.Receipt
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *client) get(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

type jobList struct {
	Jobs  []*job.Job `json:"jobs"`
	Total int        `json:"total"`
}

func (c *client) list(ctx context.Context, user string, limit, offset int) (*jobList, error) {
	q := url.Values{}
	if user != "" {
		q.Set("user", user)
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var l jobList
	if err := c.do(ctx, http.MethodGet, "/jobs?"+q.Encode(), nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// cancel reports whether the job was cancelled. A finished job is not an error.
func (c *client) cancel(ctx context.Context, id, reason string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", map[string]string{"reason": reason}, &out)
	if e, ok := err.(*apiError); ok && e.Status == http.StatusConflict {
		return false, nil
	}
	return out.Cancelled, err
}

func (c *client) raw(ctx context.Context, path string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// watch calls fn with every message on the job's event stream until the
// server closes it.
func (c *client) watch(ctx context.Context, id string, fn func(json.RawMessage) error) error {
	u, err := url.Parse(c.base + "/jobs/" + url.PathEscape(id) + "/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &apiError{Status: resp.StatusCode, Message: "websocket upgrade refused"}
		}
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
