package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/zyndor1548/storefront-payments/internal/auth"
	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/payerrors"
	"github.com/zyndor1548/storefront-payments/internal/ratelimit"
	"github.com/zyndor1548/storefront-payments/internal/retry"
)

const maxResponseBytes = 1 << 20

// Action is one remote operation of a provider API.
type Action struct {
	Name   string
	Method string
	Path   string
}

// CallerConfig wires a Caller. Authorize sets credentials on outgoing
// requests and returns an error when they are not configured.
type CallerConfig struct {
	Provider string
	BaseURL  string
	Timeout  time.Duration
	Retry    retry.Policy
	Limiter  ratelimit.Limiter
	Breaker  *CircuitBreaker
	Latency  *LatencyTracker
	HTTP     *http.Client
	Logger   *logging.StructuredLogger

	// RequireIdentity refuses calls whose context carries no identity.
	RequireIdentity bool
	Authorize       func(req *http.Request) error
	// Rejected inspects a 2xx body and reports a logical failure.
	Rejected func(body []byte) (bool, string)
}

// Caller performs a provider call: identity check, admission, timeout,
// retry, error extraction and decoding.
type Caller struct {
	cfg CallerConfig
}

func NewCaller(cfg CallerConfig) *Caller {
	if cfg.HTTP == nil {
		cfg.HTTP = NewPool(cfg.Provider, DefaultPoolConfig()).Client()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Rejected == nil {
		cfg.Rejected = successFalse
	}
	return &Caller{cfg: cfg}
}

// Call runs action with payload and decodes a successful response into out.
func (c *Caller) Call(ctx context.Context, action Action, payload interface{}, out interface{}) error {
	// (a) identity
	identity, ok := auth.IdentityFrom(ctx)
	if !ok {
		if c.cfg.RequireIdentity {
			return payerrors.Authentication("caller identity could not be resolved").WithOp(action.Name)
		}
		identity = auth.ServiceIdentity
	}

	// (b) admission
	if c.cfg.Limiter != nil {
		key := identity.LimiterKey()
		decision, err := c.cfg.Limiter.Admit(ctx, key)
		if err != nil {
			// limiter backend down: fail open
			c.cfg.Logger.Error("Rate limiter unavailable", map[string]interface{}{
				"correlation_id": logging.CorrelationID(ctx),
				"provider":       c.cfg.Provider,
				"operation":      action.Name,
				"limiter_key":    key,
				"error":          err.Error(),
			})
		} else if !decision.Allowed {
			c.cfg.Logger.Warn("Provider call rate limited", map[string]interface{}{
				"correlation_id": logging.CorrelationID(ctx),
				"provider":       c.cfg.Provider,
				"operation":      action.Name,
				"limiter_key":    key,
				"retry_after_ms": decision.ResetIn.Milliseconds(),
			})
			return payerrors.RateLimited(decision.ResetIn).WithOp(action.Name)
		}
	}

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return payerrors.Validationf("encode %s payload: %v", action.Name, err).WithOp(action.Name)
		}
		body = b
	}

	// (c) timeout + retry
	start := time.Now()
	logging.LogProviderRequest(c.cfg.Logger, logging.CorrelationID(ctx), "", c.cfg.Provider, action.Name)

	var respBody []byte
	outcome, err := c.cfg.Retry.Run(ctx, func(ctx context.Context) error {
		attempt := func(ctx context.Context) error {
			b, err := c.attempt(ctx, action, body)
			if err != nil {
				return err
			}
			respBody = b
			return nil
		}
		if c.cfg.Breaker != nil {
			return c.cfg.Breaker.Execute(ctx, attempt)
		}
		return attempt(ctx)
	})

	elapsed := time.Since(start)
	if c.cfg.Latency != nil {
		c.cfg.Latency.Observe(elapsed)
	}
	latency := elapsed.Milliseconds()
	if err != nil {
		pe := payerrors.Classify(err)
		if pe.Op == "" {
			pe = pe.WithOp(action.Name)
		}
		logging.LogProviderResponse(c.cfg.Logger, logging.CorrelationID(ctx), "", c.cfg.Provider, action.Name, latency, false, string(pe.Code()))
		c.cfg.Logger.Error("Provider call failed", map[string]interface{}{
			"correlation_id": logging.CorrelationID(ctx),
			"provider":       c.cfg.Provider,
			"operation":      action.Name,
			"attempts":       outcome.Attempts,
			"kind":           pe.Kind.String(),
			"status":         pe.Status,
			"detail":         pe.Detail,
			"payload_keys":   payloadShape(payload),
		})
		return pe
	}
	logging.LogProviderResponse(c.cfg.Logger, logging.CorrelationID(ctx), "", c.cfg.Provider, action.Name, latency, true, "")

	// (e) decode
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			e := payerrors.API(http.StatusBadGateway, "malformed provider response: "+err.Error(), truncate(string(respBody), 2048))
			return e.WithOp(action.Name)
		}
	}
	return nil
}

func (c *Caller) attempt(ctx context.Context, action Action, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, action.Method, strings.TrimRight(c.cfg.BaseURL, "/")+action.Path, reader)
	if err != nil {
		return nil, payerrors.Validationf("build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := logging.CorrelationID(ctx); id != "" {
		req.Header.Set(auth.CorrelationHeader, id)
	}
	if c.cfg.Authorize != nil {
		if err := c.cfg.Authorize(req); err != nil {
			return nil, payerrors.Authentication(err.Error())
		}
	}

	resp, err := c.cfg.HTTP.Do(req)
	if err != nil {
		// (d) transport failure
		return nil, payerrors.Classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, payerrors.Classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := payerrors.FromHTTPStatus(resp.StatusCode, extractMessage(respBody, resp.Status), string(respBody))
		if resp.StatusCode == http.StatusTooManyRequests {
			e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, e
	}
	if rejected, msg := c.cfg.Rejected(respBody); rejected {
		e := payerrors.API(resp.StatusCode, msg, string(respBody))
		e.Message = "payment provider rejected the request"
		return nil, e
	}
	return respBody, nil
}

// extractMessage pulls the richest human text out of an error body:
// structured message, then raw text, then the status line.
func extractMessage(body []byte, status string) string {
	var structured map[string]interface{}
	if err := json.Unmarshal(body, &structured); err == nil {
		for _, key := range []string{"message", "error", "response_text", "detail", "description"} {
			switch v := structured[key].(type) {
			case string:
				if v != "" {
					return v
				}
			case map[string]interface{}:
				if m, ok := v["message"].(string); ok && m != "" {
					return m
				}
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return truncate(text, 512)
	}
	return status
}

func successFalse(body []byte) (bool, string) {
	var env struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return false, ""
	}
	if env.Success != nil && !*env.Success {
		return true, env.Message
	}
	return false, ""
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(v, "%d", &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func payloadShape(payload interface{}) []string {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var m map[string]json.RawMessage
	if json.Unmarshal(b, &m) != nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
