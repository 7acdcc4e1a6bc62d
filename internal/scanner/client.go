// Package scanner is the HTTP client for the external analyzer service. The
// analyzer is opaque: it takes file bytes and returns findings. A scan POST
// is not idempotent (a retry would run a second analysis), so the client
// never retries; it reports timeout and unavailable distinctly and lets the
// caller decide.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/skillscan/skillscan/internal/config"
)

var (
	ErrUnavailable = errors.New("analyzer service unavailable")
	ErrTimeout     = errors.New("analyzer call timed out")
)

// Finding is the wire shape of one analyzer-reported issue.
type Finding struct {
	RuleID         string  `json:"rule_id"`
	Category       string  `json:"category"`
	Severity       string  `json:"severity"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Remediation    string  `json:"remediation"`
	Exploitability string  `json:"exploitability"`
	Impact         string  `json:"impact"`
	FilePath       string  `json:"file_path"`
	LineNumber     *int    `json:"line_number"`
	Snippet        string  `json:"snippet"`
	Analyzer       string  `json:"analyzer"`
	Confidence     float64 `json:"confidence"`
}

// Result is the analyzer's response envelope. Partial signals an incomplete
// or low-confidence run; the orchestrator labels such scans inconclusive.
type Result struct {
	SkillName           string    `json:"skill_name"`
	MaxSeverity         string    `json:"max_severity"`
	Findings            []Finding `json:"findings"`
	ScanDurationSeconds float64   `json:"scan_duration_seconds"`
	Partial             bool      `json:"partial"`
}

type Client struct {
	baseURL       string
	apiKey        string
	timeout       time.Duration
	useLLM        bool
	useBehavioral bool
	httpClient    *http.Client
}

func NewClient(cfg config.ScannerConfig) *Client {
	return &Client{
		baseURL:       cfg.URL,
		apiKey:        cfg.APIKey,
		timeout:       cfg.Timeout,
		useLLM:        cfg.UseLLM,
		useBehavioral: cfg.UseBehavioral,
		httpClient:    &http.Client{},
	}
}

// Scan submits the payload for analysis and blocks until the analyzer
// responds or the configured deadline expires.
func (c *Client) Scan(ctx context.Context, filename string, payload []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}

	params := url.Values{
		"use_llm":        {strconv.FormatBool(c.useLLM)},
		"use_behavioral": {strconv.FormatBool(c.useBehavioral)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/scan-upload?"+params.Encode(), &body)
	if err != nil {
		return nil, fmt.Errorf("building analyzer request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	return &result, nil
}
