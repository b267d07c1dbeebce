package judgeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultAuthHeader = "X-Auth-Token"
	maxResponseBytes  = 4 << 20

	fetchFields = "token,stdout,stderr,compile_output,message,time,memory,status"
)

// Status is the coarse progress of a judge job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// IsPending reports whether the job may still produce a result.
func (s Status) IsPending() bool {
	return s == StatusQueued || s == StatusRunning
}

// Verdict is the execution verdict reported with a finished job.
type Verdict string

const (
	VerdictAccepted            Verdict = "accepted"
	VerdictWrongAnswer         Verdict = "wrong_answer"
	VerdictTimeLimitExceeded   Verdict = "time_limit_exceeded"
	VerdictMemoryLimitExceeded Verdict = "memory_limit_exceeded"
	VerdictRuntimeError        Verdict = "runtime_error"
	VerdictCompilationError    Verdict = "compilation_error"
)

// Request is one execution request. Stdin carries every test input joined
// by the interpreter delimiter.
type Request struct {
	SourceCode string
	RuntimeID  int
	Stdin      string
}

// RawResult is one fetched judge state.
type RawResult struct {
	Status        Status
	Verdict       Verdict
	StatusID      int
	Description   string
	Stdout        string
	Stderr        string
	CompileOutput string
	Message       string
	TimeMs        int64
	MemoryKB      int64
}

// Judge is the external execution service.
type Judge interface {
	Dispatch(ctx context.Context, req Request) (string, error)
	Fetch(ctx context.Context, handle string) (RawResult, error)
}

// Config configures a Judge0 compatible endpoint.
type Config struct {
	BaseURL    string        `yaml:"baseURL"`
	APIKey     string        `yaml:"apiKey"`
	APIHost    string        `yaml:"apiHost"`
	AuthHeader string        `yaml:"authHeader"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RequestError describes a failed call to the judge.
type RequestError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("judge %s failed: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("judge %s failed: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// DispatchError is returned when a job could not be submitted.
type DispatchError = RequestError

// Client talks to a Judge0 compatible REST API.
type Client struct {
	baseURL    string
	apiKey     string
	apiHost    string
	authHeader string
	httpClient *http.Client
}

// NewClient validates cfg and builds a client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("judge baseURL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("judge baseURL is invalid: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	authHeader := cfg.AuthHeader
	if authHeader == "" {
		authHeader = defaultAuthHeader
	}
	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		apiHost:    cfg.APIHost,
		authHeader: authHeader,
		httpClient: httpClient,
	}, nil
}

type dispatchBody struct {
	SourceCode string `json:"source_code"`
	LanguageID int    `json:"language_id"`
	Stdin      string `json:"stdin"`
}

type dispatchResponse struct {
	Token string `json:"token"`
}

type fetchResponse struct {
	Token         string       `json:"token"`
	Stdout        *string      `json:"stdout"`
	Stderr        *string      `json:"stderr"`
	CompileOutput *string      `json:"compile_output"`
	Message       *string      `json:"message"`
	Time          *json.Number `json:"time"`
	Memory        *json.Number `json:"memory"`
	Status        *struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
}

// Dispatch submits a job without waiting and returns its token.
func (c *Client) Dispatch(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(dispatchBody{
		SourceCode: req.SourceCode,
		LanguageID: req.RuntimeID,
		Stdin:      req.Stdin,
	})
	if err != nil {
		return "", &DispatchError{Op: "dispatch", Err: err}
	}
	status, payload, err := c.do(ctx, http.MethodPost, "/submissions?base64_encoded=false&wait=false", body)
	if err != nil {
		return "", &DispatchError{Op: "dispatch", Err: err}
	}
	if status < 200 || status >= 300 {
		return "", &DispatchError{Op: "dispatch", StatusCode: status, Err: errors.New(snippet(payload))}
	}
	var resp dispatchResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", &DispatchError{Op: "dispatch", StatusCode: status, Err: fmt.Errorf("decode response failed: %w", err)}
	}
	if resp.Token == "" {
		return "", &DispatchError{Op: "dispatch", StatusCode: status, Err: errors.New("empty token")}
	}
	return resp.Token, nil
}

// Fetch reads the current state of a job.
func (c *Client) Fetch(ctx context.Context, handle string) (RawResult, error) {
	if handle == "" {
		return RawResult{}, &RequestError{Op: "fetch", Err: errors.New("handle is required")}
	}
	path := "/submissions/" + url.PathEscape(handle) + "?base64_encoded=false&fields=" + fetchFields
	status, payload, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return RawResult{}, &RequestError{Op: "fetch", Err: err}
	}
	if status < 200 || status >= 300 {
		return RawResult{}, &RequestError{Op: "fetch", StatusCode: status, Err: errors.New(snippet(payload))}
	}
	var resp fetchResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return RawResult{}, &RequestError{Op: "fetch", StatusCode: status, Err: fmt.Errorf("decode response failed: %w", err)}
	}
	if resp.Status == nil {
		return RawResult{}, &RequestError{Op: "fetch", StatusCode: status, Err: errors.New("missing status")}
	}
	return resp.toRawResult()
}

func (r fetchResponse) toRawResult() (RawResult, error) {
	out := RawResult{
		StatusID:      r.Status.ID,
		Description:   r.Status.Description,
		Stdout:        deref(r.Stdout),
		Stderr:        deref(r.Stderr),
		CompileOutput: deref(r.CompileOutput),
		Message:       deref(r.Message),
	}
	if r.Time != nil && *r.Time != "" {
		seconds, err := r.Time.Float64()
		if err != nil {
			return RawResult{}, &RequestError{Op: "fetch", Err: fmt.Errorf("invalid time %q: %w", *r.Time, err)}
		}
		out.TimeMs = int64(math.Round(seconds * 1000))
	}
	if r.Memory != nil && *r.Memory != "" {
		kb, err := r.Memory.Float64()
		if err != nil {
			return RawResult{}, &RequestError{Op: "fetch", Err: fmt.Errorf("invalid memory %q: %w", *r.Memory, err)}
		}
		out.MemoryKB = int64(kb)
	}
	out.Status, out.Verdict = mapStatus(out.StatusID, out.Message+" "+out.Stderr)
	return out, nil
}

// mapStatus translates Judge0 status ids. Unknown ids are reported as errors.
func mapStatus(id int, diagnostics string) (Status, Verdict) {
	switch {
	case id == 1:
		return StatusQueued, ""
	case id == 2:
		return StatusRunning, ""
	case id == 3:
		return StatusFinished, VerdictAccepted
	case id == 4:
		return StatusFinished, VerdictWrongAnswer
	case id == 5:
		return StatusFinished, VerdictTimeLimitExceeded
	case id == 6:
		return StatusFinished, VerdictCompilationError
	case id >= 7 && id <= 12:
		if strings.Contains(strings.ToLower(diagnostics), "memory") {
			return StatusFinished, VerdictMemoryLimitExceeded
		}
		return StatusFinished, VerdictRuntimeError
	default:
		return StatusError, ""
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	switch {
	case c.apiHost != "":
		req.Header.Set("X-RapidAPI-Key", c.apiKey)
		req.Header.Set("X-RapidAPI-Host", c.apiHost)
	case c.apiKey != "":
		req.Header.Set(c.authHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body failed: %w", err)
	}
	return resp.StatusCode, payload, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func snippet(payload []byte) string {
	const max = 256
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return "empty response"
	}
	if len(text) > max {
		return text[:max]
	}
	return text
}
