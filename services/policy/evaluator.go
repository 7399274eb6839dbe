package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services"
	"go.uber.org/zap"
)

// RequestContext describes an intercepted request for verdict computation
type RequestContext struct {
	ClientIP  string `json:"client_ip"`
	ClientMAC string `json:"client_mac,omitempty"`
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// PolicyEvaluator produces a coarse allow/block verdict for a request
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req RequestContext) (models.PolicyVerdict, error)
}

// StaticEvaluator returns the same verdict for every request
type StaticEvaluator struct {
	verdict models.PolicyVerdict
}

// NewStaticEvaluator creates an evaluator that always allows or always blocks
func NewStaticEvaluator(allow bool, policyName string) *StaticEvaluator {
	v := models.PolicyVerdict{Allowed: allow, PolicyName: policyName}
	if !allow {
		v.Reason = models.DefaultBlockReason(policyName)
	}
	return &StaticEvaluator{verdict: v}
}

// Evaluate implements PolicyEvaluator
func (e *StaticEvaluator) Evaluate(_ context.Context, _ RequestContext) (models.PolicyVerdict, error) {
	return e.verdict, nil
}

// HTTPConfig configures the remote evaluator
type HTTPConfig struct {
	URL           string
	Timeout       time.Duration
	FallbackAllow bool
}

// HTTPEvaluator queries an OPA-style decision endpoint. It does not retry;
// on any failure it returns the configured fallback verdict with the error.
type HTTPEvaluator struct {
	config     HTTPConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPEvaluator creates a remote evaluator
func NewHTTPEvaluator(config HTTPConfig, logger *zap.Logger) *HTTPEvaluator {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	return &HTTPEvaluator{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

type opaRequest struct {
	Input RequestContext `json:"input"`
}

type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow      bool               `json:"allow"`
	Policy     string             `json:"policy"`
	Reason     string             `json:"reason"`
	Violations []models.Violation `json:"violations"`
}

// Fallback returns the verdict used when the engine cannot be reached
func (e *HTTPEvaluator) Fallback() models.PolicyVerdict {
	v := models.PolicyVerdict{Allowed: e.config.FallbackAllow, PolicyName: "policy-engine-fallback"}
	if !v.Allowed {
		v.Reason = "policy engine unavailable"
	}
	return v
}

// Evaluate implements PolicyEvaluator
func (e *HTTPEvaluator) Evaluate(ctx context.Context, req RequestContext) (models.PolicyVerdict, error) {
	verdict, err := e.evaluate(ctx, req)
	if err != nil {
		e.logger.Warn("policy engine request failed, using fallback verdict",
			zap.String("url", e.config.URL),
			zap.Bool("fallback_allow", e.config.FallbackAllow),
			zap.Error(err))
		return e.Fallback(), services.NewDomainError(services.ErrorTypeExternal, services.ErrPolicyEngineUnavailable.Message, err)
	}
	return verdict, nil
}

func (e *HTTPEvaluator) evaluate(ctx context.Context, req RequestContext) (models.PolicyVerdict, error) {
	body, err := json.Marshal(opaRequest{Input: req})
	if err != nil {
		return models.PolicyVerdict{}, fmt.Errorf("marshal input: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.URL, bytes.NewReader(body))
	if err != nil {
		return models.PolicyVerdict{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return models.PolicyVerdict{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.PolicyVerdict{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.PolicyVerdict{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out opaResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return models.PolicyVerdict{}, fmt.Errorf("decode response: %w", err)
	}
	if out.Result == nil {
		return models.PolicyVerdict{}, fmt.Errorf("response has no result")
	}

	v := models.PolicyVerdict{
		Allowed:    out.Result.Allow,
		PolicyName: out.Result.Policy,
		Reason:     out.Result.Reason,
		Violations: out.Result.Violations,
	}
	if !v.Allowed && v.Reason == "" {
		v.Reason = models.DefaultBlockReason(v.PolicyName)
	}
	return v, nil
}

// CachingEvaluator serves repeated requests from a VerdictCache. Failed
// evaluations are not cached.
type CachingEvaluator struct {
	next  PolicyEvaluator
	cache *VerdictCache
}

// NewCachingEvaluator wraps next with cache
func NewCachingEvaluator(next PolicyEvaluator, cache *VerdictCache) *CachingEvaluator {
	return &CachingEvaluator{next: next, cache: cache}
}

// Evaluate implements PolicyEvaluator
func (e *CachingEvaluator) Evaluate(ctx context.Context, req RequestContext) (models.PolicyVerdict, error) {
	key := KeyFor(req)
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}

	v, err := e.next.Evaluate(ctx, req)
	if err != nil {
		return v, err
	}
	e.cache.Set(key, v)
	return v, nil
}

// Cache returns the underlying cache
func (e *CachingEvaluator) Cache() *VerdictCache {
	return e.cache
}
