package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErr "codegrader/pkg/errors"
)

const (
	executePath  = "/api/v2/execute"
	runtimesPath = "/api/v2/runtimes"

	defaultRequestTimeout = 15 * time.Second
	defaultLimitOverhead  = 2 * time.Second
	maxErrorBodyBytes     = 4 << 10
)

// Request is one ad hoc execution.
type Request struct {
	Code     string
	Language string
	Stdin    string
	// TimeLimitMs and MemoryLimitKB are forwarded to the service when positive.
	TimeLimitMs   int
	MemoryLimitKB int
}

// Result is the normalized execution outcome.
type Result struct {
	Output    string  `json:"output"`
	Error     string  `json:"error"`
	ExitCode  int     `json:"exitCode"`
	RuntimeMs float64 `json:"runtime"`
	MemoryKB  float64 `json:"memory"`
}

// Executor runs code in the external sandbox.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Config configures the Piston client.
type Config struct {
	BaseURL string
	// RequestTimeout bounds a call when the request carries no time limit.
	RequestTimeout time.Duration
	// LimitOverhead is added to a request's time limit to form the call timeout.
	LimitOverhead time.Duration
	HTTPClient    *http.Client
}

// PistonClient talks to a Piston v2 compatible execution service.
// It performs exactly one HTTP call per Execute and never retries.
type PistonClient struct {
	baseURL        string
	requestTimeout time.Duration
	limitOverhead  time.Duration
	httpClient     *http.Client
}

// NewPistonClient validates cfg and builds a client.
func NewPistonClient(cfg Config) (*PistonClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("piston base url is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.LimitOverhead <= 0 {
		cfg.LimitOverhead = defaultLimitOverhead
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &PistonClient{
		baseURL:        baseURL,
		requestTimeout: cfg.RequestTimeout,
		limitOverhead:  cfg.LimitOverhead,
		httpClient:     client,
	}, nil
}

type pistonFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language       string       `json:"language"`
	Version        string       `json:"version"`
	Files          []pistonFile `json:"files"`
	Stdin          string       `json:"stdin"`
	RunTimeout     int          `json:"run_timeout,omitempty"`
	RunMemoryLimit int64        `json:"run_memory_limit,omitempty"`
}

type pistonStage struct {
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	Output   string   `json:"output"`
	Code     *int     `json:"code"`
	Signal   *string  `json:"signal"`
	Message  *string  `json:"message"`
	CPUTime  *float64 `json:"cpu_time"`
	WallTime *float64 `json:"wall_time"`
	Memory   *float64 `json:"memory"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Run      *pistonStage `json:"run"`
	Compile  *pistonStage `json:"compile"`
	Message  string       `json:"message"`
}

// Execute runs req.Code once against the service.
func (c *PistonClient) Execute(ctx context.Context, req Request) (*Result, error) {
	lang, ok := LookupLanguage(req.Language)
	if !ok {
		return nil, appErr.Newf(appErr.LanguageNotSupported, "Unsupported language: %s", req.Language).
			WithDetail("supported", SupportedLanguages())
	}

	body := pistonRequest{
		Language: lang.Runtime,
		Version:  lang.Version,
		Files:    []pistonFile{{Name: lang.FileName, Content: req.Code}},
		Stdin:    req.Stdin,
	}
	timeout := c.requestTimeout
	if req.TimeLimitMs > 0 {
		body.RunTimeout = req.TimeLimitMs
		timeout = time.Duration(req.TimeLimitMs)*time.Millisecond + c.limitOverhead
	}
	if req.MemoryLimitKB > 0 {
		body.RunMemoryLimit = int64(req.MemoryLimitKB) * 1024
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ExecutionServiceError, "encode execution request failed")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+executePath, bytes.NewReader(payload))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ExecutionServiceError, "build execution request failed")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ExecutionServiceError, "execution service request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, appErr.Newf(appErr.ExecutionServiceError, "execution service returned %d: %s",
			resp.StatusCode, serviceMessage(raw)).WithDetail("status", resp.StatusCode)
	}

	var decoded pistonResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, appErr.Wrapf(err, appErr.ExecutionServiceError, "decode execution response failed: %v", err)
	}
	if decoded.Run == nil {
		msg := decoded.Message
		if msg == "" {
			msg = "missing run stage"
		}
		return nil, appErr.Newf(appErr.ExecutionServiceError, "execution service returned no result: %s", msg)
	}
	return normalize(&decoded, elapsed), nil
}

// Ping checks that the service answers its runtimes listing.
func (c *PistonClient) Ping(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+runtimesPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return appErr.Wrapf(err, appErr.ExecutionServiceError, "execution service unreachable: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return appErr.Newf(appErr.ExecutionServiceError, "execution service returned %d", resp.StatusCode)
	}
	return nil
}

func normalize(resp *pistonResponse, elapsed time.Duration) *Result {
	run := resp.Run
	result := &Result{
		Output: run.Stdout,
		Error:  run.Stderr,
	}

	// A failed compile stage explains the run outcome better than the run stage itself.
	if c := resp.Compile; c != nil && c.Code != nil && *c.Code != 0 {
		result.Output = c.Stdout
		result.Error = c.Stderr
		if result.Error == "" {
			result.Error = c.Output
		}
		result.ExitCode = *c.Code
	} else if run.Code != nil {
		result.ExitCode = *run.Code
	} else {
		result.ExitCode = -1
		if run.Signal != nil && *run.Signal != "" {
			result.Error = appendLine(result.Error, "killed by signal "+*run.Signal)
		}
		if run.Message != nil && *run.Message != "" {
			result.Error = appendLine(result.Error, *run.Message)
		}
	}

	switch {
	case run.WallTime != nil:
		result.RuntimeMs = *run.WallTime
	case run.CPUTime != nil:
		result.RuntimeMs = *run.CPUTime
	default:
		result.RuntimeMs = float64(elapsed.Microseconds()) / 1000
	}
	if run.Memory != nil && *run.Memory > 0 {
		result.MemoryKB = *run.Memory / 1024
	}
	return result
}

func appendLine(base, line string) string {
	if base == "" {
		return line
	}
	if strings.HasSuffix(base, "\n") {
		return base + line
	}
	return base + "\n" + line
}

func serviceMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(raw))
}
