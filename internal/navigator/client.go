// Package navigator is the HTTP client for the NAVIGATOR processing server.
// Client.Forward is the relay's forwarding operation: one POST to
// {server}/process per call, the "output" field of the reply returned
// verbatim, every failure reported as a *Error.
package navigator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"navigatorbot/internal/metrics"

	"github.com/google/uuid"
)

const (
	DefaultFramework    = "navigator_vocalis"
	DefaultTimeout      = 30 * time.Second
	DefaultResetTimeout = 10 * time.Second

	processPath = "/process"
	resetPath   = "/reset_dialog"

	maxResponseBytes = 8 << 20
	maxExcerptBytes  = 512
)

// Config holds the immutable settings of a Client.
type Config struct {
	ServerURL           string        // base URL, without /process
	Framework           string        // value of the "framework" field
	Timeout             time.Duration // bound on one /process call
	ResetTimeout        time.Duration // bound on one /reset_dialog call
	Retries             int           // extra attempts on transient failures; 0 = single call
	FinalReportKeywords []string      // lower-case phrases that set is_final_report
	HTTPClient          *http.Client  // optional; built from Timeout when nil
	Logger              *slog.Logger
}

// Request is the JSON body sent to /process. Only Framework and Input are
// always present.
type Request struct {
	Framework     string        `json:"framework"`
	Input         string        `json:"input"`
	UserID        string        `json:"user_id,omitempty"`
	IsFinalReport bool          `json:"is_final_report,omitempty"`
	State         *RequestState `json:"state,omitempty"`
}

// RequestState is the per-user state block the server keys its dialog history on.
type RequestState struct {
	TelegramID string `json:"telegram_id"`
}

type resetRequest struct {
	Framework string `json:"framework"`
	UserID    string `json:"user_id"`
}

// Client is safe for concurrent use. It holds no mutable state besides the
// pooled *http.Client.
type Client struct {
	processURL   string
	resetURL     string
	baseURL      string
	framework    string
	timeout      time.Duration
	resetTimeout time.Duration
	retries      int
	keywords     []string
	http         *http.Client
	logger       *slog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if base == "" {
		return nil, errors.New("navigator: server URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("navigator: invalid server URL %q: %w", cfg.ServerURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("navigator: server URL %q must use http or https", cfg.ServerURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("navigator: server URL %q has no host", cfg.ServerURL)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("navigator: timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.Retries < 0 || cfg.Retries > MaxRetries {
		return nil, fmt.Errorf("navigator: retries must be between 0 and %d", MaxRetries)
	}
	if cfg.Framework == "" {
		cfg.Framework = DefaultFramework
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.Timeout)
	}

	keywords := make([]string, 0, len(cfg.FinalReportKeywords))
	for _, k := range cfg.FinalReportKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}

	return &Client{
		processURL:   base + processPath,
		resetURL:     base + resetPath,
		baseURL:      base,
		framework:    cfg.Framework,
		timeout:      cfg.Timeout,
		resetTimeout: cfg.ResetTimeout,
		retries:      cfg.Retries,
		keywords:     keywords,
		http:         httpClient,
		logger:       cfg.Logger,
	}, nil
}

// Framework returns the configured framework name.
func (c *Client) Framework() string { return c.framework }

// ProcessURL returns the full /process endpoint.
func (c *Client) ProcessURL() string { return c.processURL }

// Forward sends text to /process and returns the server's output verbatim.
// text is not trimmed or filtered; empty input is forwarded as well.
func (c *Client) Forward(ctx context.Context, text string) (string, error) {
	return c.forward(ctx, Request{Framework: c.framework, Input: text})
}

// ForwardFrom is Forward with the sender attached, so the server can keep
// per-user dialog state. An empty senderID makes it identical to Forward.
func (c *Client) ForwardFrom(ctx context.Context, senderID, text string) (string, error) {
	req := Request{Framework: c.framework, Input: text}
	if senderID != "" {
		req.UserID = senderID
		req.State = &RequestState{TelegramID: senderID}
		req.IsFinalReport = c.IsFinalReport(text)
	}
	return c.forward(ctx, req)
}

// IsFinalReport reports whether text asks for the final report.
func (c *Client) IsFinalReport(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range c.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (c *Client) forward(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode navigator request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callBudget(c.timeout))
	defer cancel()

	requestID := uuid.NewString()
	logger := c.logger.With("request_id", requestID, "user_id", req.UserID)
	logger.Debug("forwarding to navigator",
		"url", c.processURL,
		"input_len", len(req.Input),
		"final_report", req.IsFinalReport,
	)

	metrics.ForwardsTotal.Inc()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()
	start := time.Now()

	raw, status, err := c.post(ctx, c.processURL, requestID, body, logger)
	metrics.ForwardLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		err = checkStatus(status, raw)
	}
	var output string
	if err == nil {
		output, err = decodeOutput(raw)
	}
	if err != nil {
		if kind, ok := KindOf(err); ok {
			metrics.ForwardFailures.With(string(kind)).Inc()
		}
		logger.Debug("navigator call failed", "err", err, "latency", time.Since(start))
		return "", err
	}

	logger.Debug("navigator replied", "status", status, "output_len", len(output), "latency", time.Since(start))
	return output, nil
}

// ResetDialog asks the server to drop the dialog history it keeps for senderID.
func (c *Client) ResetDialog(ctx context.Context, senderID string) error {
	body, err := json.Marshal(resetRequest{Framework: c.framework, UserID: senderID})
	if err != nil {
		return fmt.Errorf("encode reset request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callBudget(c.resetTimeout))
	defer cancel()

	requestID := uuid.NewString()
	logger := c.logger.With("request_id", requestID, "user_id", senderID)
	logger.Info("resetting navigator dialog", "url", c.resetURL)

	raw, status, err := c.post(ctx, c.resetURL, requestID, body, logger)
	if err != nil {
		return err
	}
	if err := checkStatus(status, raw); err != nil {
		return err
	}

	var ack struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return &Error{Kind: KindMalformed, Detail: "reset reply is not a JSON object", Cause: err}
	}
	if ack.Status != "ok" {
		return &Error{Kind: KindMalformed, Detail: fmt.Sprintf("reset reply status %q", ack.Status)}
	}
	return nil
}

// Healthy checks that the server accepts connections. Any HTTP answer,
// whatever its status, counts as reachable.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return nil
}

// callBudget bounds the whole call, retries and backoff included.
func (c *Client) callBudget(perCall time.Duration) time.Duration {
	if c.retries == 0 {
		return perCall
	}
	return time.Duration(c.retries+1)*perCall + time.Duration(c.retries*c.retries)*2*retryBaseDelay
}

// post performs the request and reads the (bounded) body. Any error it
// returns is a KindTransport *Error.
func (c *Client) post(ctx context.Context, endpoint, requestID string, body []byte, logger *slog.Logger) ([]byte, int, error) {
	resp, err := doWithRetry(ctx, c.http, c.retries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", requestID)
		return req, nil
	}, logger)
	if err != nil {
		return nil, 0, transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, transportError(ctx, fmt.Errorf("read response body: %w", err))
	}
	return raw, resp.StatusCode, nil
}

func transportError(ctx context.Context, err error) *Error {
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &Error{Kind: KindTransport, Timeout: timeout, Cause: err}
}

func checkStatus(status int, raw []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return &Error{Kind: KindServer, Status: status, BodyExcerpt: excerpt(raw)}
}

// decodeOutput extracts the "output" field. A body that is not a JSON
// object, lacks "output", or carries a non-string "output" (null included)
// is malformed.
func decodeOutput(raw []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", &Error{Kind: KindMalformed, Detail: "body is not a JSON object", Cause: err}
	}
	value, ok := fields["output"]
	if !ok {
		return "", &Error{Kind: KindMalformed, Detail: `missing "output" field`}
	}
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", &Error{Kind: KindMalformed, Detail: `"output" is not a string`}
	}
	var output string
	if err := json.Unmarshal(trimmed, &output); err != nil {
		return "", &Error{Kind: KindMalformed, Detail: `"output" is not a valid string`, Cause: err}
	}
	return output, nil
}

func excerpt(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) <= maxExcerptBytes {
		return s
	}
	cut := maxExcerptBytes
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
