package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services"
	"github.com/upb/llm-enforcement-gateway/services/enforcement"
	"github.com/upb/llm-enforcement-gateway/services/policy"
	"go.uber.org/zap"
)

// MockEnforcementService is a mock implementation of EnforcementService
type MockEnforcementService struct {
	mock.Mock
}

func (m *MockEnforcementService) EvaluateEnforcement(ctx context.Context, in enforcement.EvaluationInput) (*enforcement.EvaluationResult, error) {
	args := m.Called(ctx, in)
	if r := args.Get(0); r != nil {
		return r.(*enforcement.EvaluationResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEnforcementService) RequestOverride(ctx context.Context, in enforcement.OverrideInput) (*enforcement.EvaluationResult, error) {
	args := m.Called(ctx, in)
	if r := args.Get(0); r != nil {
		return r.(*enforcement.EvaluationResult), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockVerdicts is a mock verdict source
type MockVerdicts struct {
	mock.Mock
}

func (m *MockVerdicts) Evaluate(ctx context.Context, rc policy.RequestContext) (models.PolicyVerdict, error) {
	args := m.Called(ctx, rc)
	return args.Get(0).(models.PolicyVerdict), args.Error(1)
}

func blockedResult(requestID string) *enforcement.EvaluationResult {
	return &enforcement.EvaluationResult{
		Decision: models.EnforcementDecision{
			Enforce:    true,
			Reason:     "outside allowed hours",
			BypassType: models.BypassNone,
			PolicyName: "time_limit",
		},
		RequestID:      requestID,
		EventID:        7,
		AuditPersisted: true,
	}
}

func TestEnforcementHandler_Evaluate(t *testing.T) {
	body := `{
		"verdict": {"allowed": false, "policy_name": "time_limit", "reason": "outside allowed hours"},
		"client_ip": "192.168.1.102",
		"client_mac": "AA-BB-CC-DD-EE-FF",
		"endpoint": "api.openai.com",
		"method": "POST",
		"path": "/v1/chat/completions",
		"request_id": "req-1"
	}`

	t.Run("passes verdict through", func(t *testing.T) {
		svc := new(MockEnforcementService)
		h := NewEnforcementHandler(svc, nil, zap.NewNop())

		svc.On("EvaluateEnforcement", mock.Anything, mock.MatchedBy(func(in enforcement.EvaluationInput) bool {
			return !in.Verdict.Allowed && in.Verdict.PolicyName == "time_limit" &&
				in.ClientIP == "192.168.1.102" && in.ClientMAC == "AA-BB-CC-DD-EE-FF" && in.RequestID == "req-1"
		})).Return(blockedResult("req-1"), nil)

		w := httptest.NewRecorder()
		h.HandleEvaluate(w, httptest.NewRequest(http.MethodPost, "/api/v1/enforcement/evaluate", strings.NewReader(body)))

		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Data enforcement.EvaluationResult `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.True(t, resp.Data.Decision.Enforce)
		assert.Equal(t, int64(7), resp.Data.EventID)
		assert.True(t, resp.Data.AuditPersisted)
		svc.AssertExpectations(t)
	})

	t.Run("ledger failure still answers", func(t *testing.T) {
		svc := new(MockEnforcementService)
		h := NewEnforcementHandler(svc, nil, zap.NewNop())

		res := blockedResult("req-1")
		res.EventID = 0
		res.AuditPersisted = false
		svc.On("EvaluateEnforcement", mock.Anything, mock.Anything).
			Return(res, &enforcement.LedgerError{Err: errors.New("database is locked")})

		w := httptest.NewRecorder()
		h.HandleEvaluate(w, httptest.NewRequest(http.MethodPost, "/api/v1/enforcement/evaluate", strings.NewReader(body)))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"audit_persisted":false`)
	})

	t.Run("missing verdict", func(t *testing.T) {
		svc := new(MockEnforcementService)
		h := NewEnforcementHandler(svc, nil, zap.NewNop())

		w := httptest.NewRecorder()
		h.HandleEvaluate(w, httptest.NewRequest(http.MethodPost, "/api/v1/enforcement/evaluate",
			strings.NewReader(`{"client_ip":"192.168.1.102"}`)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "EvaluateEnforcement", mock.Anything, mock.Anything)
	})

	t.Run("unknown field", func(t *testing.T) {
		svc := new(MockEnforcementService)
		h := NewEnforcementHandler(svc, nil, zap.NewNop())

		w := httptest.NewRecorder()
		h.HandleEvaluate(w, httptest.NewRequest(http.MethodPost, "/api/v1/enforcement/evaluate",
			strings.NewReader(`{"verdict":{"allowed":true},"client_ip":"10.0.0.1","bogus":1}`)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestEnforcementHandler_Check(t *testing.T) {
	body := `{"client_ip":"192.168.1.102","endpoint":"api.openai.com","method":"POST","path":"/v1/chat/completions","request_id":"req-9"}`

	t.Run("uses gateway verdict", func(t *testing.T) {
		svc := new(MockEnforcementService)
		verdicts := new(MockVerdicts)
		h := NewEnforcementHandler(svc, verdicts, zap.NewNop())

		verdict := models.PolicyVerdict{Allowed: false, PolicyName: "time_limit", Reason: "outside allowed hours"}
		verdicts.On("Evaluate", mock.Anything, mock.MatchedBy(func(rc policy.RequestContext) bool {
			return rc.Endpoint == "api.openai.com" && rc.RequestID == "req-9"
		})).Return(verdict, nil)
		svc.On("EvaluateEnforcement", mock.Anything, mock.MatchedBy(func(in enforcement.EvaluationInput) bool {
			return in.Verdict.PolicyName == "time_limit"
		})).Return(blockedResult("req-9"), nil)

		w := httptest.NewRecorder()
		h.HandleCheck(w, httptest.NewRequest(http.MethodPost, "/api/v1/enforcement/check", strings.NewReader(body)))

		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Data struct {
				Decision models.EnforcementDecision `json:"decision"`
				Verdict  models.PolicyVerdict       `json:"verdict"`
			} `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.True(t, resp.Data.Decision.Enforce)
		assert.Equal(t, "time_limit", resp.Data.Verdict.PolicyName)
		verdicts.AssertExpectations(t)
		svc.AssertExpectations(t)
	})

	t.Run("policy engine failure uses fallback verdict", func(t *testing.T) {
		svc := new(MockEnforcementService)
		verdicts := new(MockVerdicts)
		h := NewEnforcementHandler(svc, verdicts, zap.NewNop())

		fallback := models.PolicyVerdict{Allowed: false, PolicyName: "policy_engine_unavailable"}
		verdicts.On("Evaluate", mock.Anything, mock.Anything).Return(fallback, services.ErrPolicyEngineUnavailable)
		svc.On("EvaluateEnforcement", mock.Anything, mock.MatchedBy(func(in enforcement.EvaluationInput) bool {
			return !in.Verdict.Allowed && in.Verdict.PolicyName == fallback.PolicyName
		})).Return(blockedResult("req-9"), nil)

		w := httptest.NewRecorder()
		h.HandleCheck(w, httptest.NewRequest(http.MethodPost, "/api/v1/enforcement/check", strings.NewReader(body)))

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})
}

func TestEnforcementHandler_Override(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		result         *enforcement.EvaluationResult
		err            error
		expectedStatus int
	}{
		{
			name: "success",
			body: `{"password":"letmein","policy_name":"time_limit","request_id":"req-2"}`,
			result: &enforcement.EvaluationResult{
				Decision:       models.EnforcementDecision{Reason: "override granted", BypassType: models.BypassEmergencyOverride},
				RequestID:      "req-2",
				EventID:        3,
				AuditPersisted: true,
			},
			expectedStatus: http.StatusOK,
		},
		{"wrong password", `{"password":"nope"}`, nil, services.ErrInvalidOverridePassword, http.StatusUnauthorized},
		{"rate limited", `{"password":"nope"}`, nil, services.ErrTooManyAttempts, http.StatusTooManyRequests},
		{"no password configured", `{"password":"x"}`, nil, services.ErrNoPasswordConfigured, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockEnforcementService)
			h := NewEnforcementHandler(svc, nil, zap.NewNop())

			svc.On("RequestOverride", mock.Anything, mock.MatchedBy(func(in enforcement.OverrideInput) bool {
				return in.ClientIP == "192.168.1.102"
			})).Return(tt.result, tt.err)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/enforcement/override", strings.NewReader(tt.body))
			req.RemoteAddr = "192.168.1.102:40000"
			req.Header.Set("X-Forwarded-For", "10.9.9.9")
			w := httptest.NewRecorder()
			h.HandleOverride(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			svc.AssertExpectations(t)

			if tt.expectedStatus == http.StatusOK {
				var resp struct {
					Data OverrideResponse `json:"data"`
				}
				require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
				assert.True(t, resp.Data.Success)
				assert.Equal(t, int64(3), resp.Data.EventID)
				assert.Equal(t, "override granted", resp.Data.Message)
			}
		})
	}

	t.Run("missing password", func(t *testing.T) {
		svc := new(MockEnforcementService)
		h := NewEnforcementHandler(svc, nil, zap.NewNop())

		w := httptest.NewRecorder()
		h.HandleOverride(w, httptest.NewRequest(http.MethodPost, "/api/v1/enforcement/override", strings.NewReader(`{}`)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "RequestOverride", mock.Anything, mock.Anything)
	})
}

func TestEnforcementHandler_ForwardAuth(t *testing.T) {
	h := NewEnforcementHandler(new(MockEnforcementService), nil, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleForwardAuth(w, httptest.NewRequest(http.MethodGet, "/api/v1/enforcement/forward-auth", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
}
