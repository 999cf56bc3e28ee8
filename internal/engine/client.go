// Package engine is a client of the workflow engine HTTP API.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deskflow/deskhost/internal/model"
)

const maxErrorBody = 512

// AuthProvider adds authentication to requests sent to the engine.
type AuthProvider interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// StaticAuth sends a fixed API key in a header.
type StaticAuth struct {
	Header string
	Key    string
}

func (a StaticAuth) Authorize(_ context.Context, req *http.Request) error {
	if a.Key == "" {
		return nil
	}
	header := a.Header
	if header == "" {
		header = "X-N8N-API-KEY"
	}
	req.Header.Set(header, a.Key)
	return nil
}

type Client struct {
	baseURL *url.URL
	client  *http.Client
	auth    AuthProvider
}

type Option func(*Client)

func WithAuth(a AuthProvider) Option {
	return func(c *Client) {
		c.auth = a
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient returns a client for the API rooted at baseURL, e.g.
// `http://127.0.0.1:5678/rest`.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the engine url with a scheme and host, e.g. `http://127.0.0.1:5678/rest`")
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	c := &Client{
		baseURL: parsedURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Workflow(ctx context.Context, id string) (Workflow, error) {
	var wf Workflow
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(id), nil, &wf)
	if err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// Run starts wf from trigger and returns the engine execution id without
// waiting for the execution to finish.
func (c *Client) Run(ctx context.Context, wf Workflow, trigger string) (string, error) {
	req := runRequest{WorkflowData: wf}
	if trigger != "" {
		req.TriggerToStartFrom = &Trigger{Name: trigger}
	}
	var resp runResponse
	if err := c.do(ctx, http.MethodPost, "workflows/"+url.PathEscape(wf.ID)+"/run", req, &resp); err != nil {
		return "", err
	}
	id := resp.ExecutionID
	if id == "" && resp.Data != nil {
		id = resp.Data.ExecutionID
	}
	if id == "" {
		return "", fmt.Errorf("%w: run response without execution id", model.ErrRemoteFault)
	}
	slog.DebugContext(ctx, "workflow started", "workflow_id", wf.ID, "execution_id", id)
	return id, nil
}

func (c *Client) Execution(ctx context.Context, id string) (Execution, error) {
	var exec Execution
	err := c.do(ctx, http.MethodGet, "executions/"+url.PathEscape(id)+"?includeData=true", nil, &exec)
	if err != nil {
		return Execution{}, err
	}
	return exec, nil
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "executions/"+url.PathEscape(id)+"/stop", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	u, err := c.baseURL.Parse(c.baseURL.Path + "/" + path)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		if err := c.auth.Authorize(ctx, req); err != nil {
			return fmt.Errorf("authorizing engine request: %w", err)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", model.ErrRemoteFault, method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s: status %d: %s", model.ErrRemoteFault, method, path, resp.StatusCode, remoteMessage(resp))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("%w: parsing response content type header: %w", model.ErrRemoteFault, err)
	}
	if contentType != "application/json" {
		return fmt.Errorf("%w: expected `application/json` content type, got: %s", model.ErrRemoteFault, contentType)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding json response failed: %w", model.ErrRemoteFault, err)
	}
	return nil
}

// remoteMessage extracts the engine error text, which is a JSON object with
// a message field or plain text.
func remoteMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return resp.Status
	}
	var problem struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(raw, &problem) == nil {
		switch {
		case problem.Message != "":
			return problem.Message
		case problem.Detail != "":
			return problem.Detail
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return resp.Status
}
