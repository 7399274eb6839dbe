package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-enforcement-gateway/middleware"
	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services"
	"github.com/upb/llm-enforcement-gateway/services/enforcement"
	"go.uber.org/zap"
)

// MockAdminService is a mock implementation of AdminService
type MockAdminService struct {
	mock.Mock
}

func (m *MockAdminService) Snapshot() *models.Snapshot {
	args := m.Called()
	return args.Get(0).(*models.Snapshot)
}

func (m *MockAdminService) AddDevice(ctx context.Context, actor enforcement.Actor, d models.Device) (models.OperationResult, error) {
	args := m.Called(ctx, actor, d)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) RemoveDevice(ctx context.Context, actor enforcement.Actor, ip string) (models.OperationResult, error) {
	args := m.Called(ctx, actor, ip)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) AddGroup(ctx context.Context, actor enforcement.Actor, g models.Group) (models.OperationResult, error) {
	args := m.Called(ctx, actor, g)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) RemoveGroup(ctx context.Context, actor enforcement.Actor, name string) (models.OperationResult, error) {
	args := m.Called(ctx, actor, name)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) AddException(ctx context.Context, actor enforcement.Actor, e models.TimeException) (models.OperationResult, error) {
	args := m.Called(ctx, actor, e)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) RemoveException(ctx context.Context, actor enforcement.Actor, name string) (models.OperationResult, error) {
	args := m.Called(ctx, actor, name)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) ActivateOverride(ctx context.Context, actor enforcement.Actor, password string) (models.OperationResult, error) {
	args := m.Called(ctx, actor, password)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) DeactivateOverride(ctx context.Context, actor enforcement.Actor, password string) (models.OperationResult, error) {
	args := m.Called(ctx, actor, password)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) SetOverridePassword(ctx context.Context, actor enforcement.Actor, password string) (models.OperationResult, error) {
	args := m.Called(ctx, actor, password)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) SetRequirePassword(ctx context.Context, actor enforcement.Actor, require bool) (models.OperationResult, error) {
	args := m.Called(ctx, actor, require)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) SetMode(ctx context.Context, actor enforcement.Actor, mode string) (models.OperationResult, error) {
	args := m.Called(ctx, actor, mode)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) SetPolicyAction(ctx context.Context, actor enforcement.Actor, policy, action string) (models.OperationResult, error) {
	args := m.Called(ctx, actor, policy, action)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) RemovePolicyAction(ctx context.Context, actor enforcement.Actor, policy string) (models.OperationResult, error) {
	args := m.Called(ctx, actor, policy)
	return args.Get(0).(models.OperationResult), args.Error(1)
}

func (m *MockAdminService) OverrideStatus() models.OverrideStatus {
	args := m.Called()
	return args.Get(0).(models.OverrideStatus)
}

func (m *MockAdminService) ActiveExceptions() []models.TimeException {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]models.TimeException)
}

var adminActor = enforcement.Actor{Name: "parent", ClientIP: "192.168.1.10"}

// adminRequest builds a request as seen after RequireAuth has run
func adminRequest(method, target string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.RemoteAddr = "192.168.1.10:51234"
	return req.WithContext(middleware.WithClaims(req.Context(), &middleware.Claims{Subject: "parent", Roles: []string{"admin"}}))
}

func adminRouter(h *AdminHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/devices", h.HandleListDevices)
	r.Post("/devices", h.HandleAddDevice)
	r.Delete("/devices/{ip}", h.HandleRemoveDevice)
	r.Post("/groups", h.HandleAddGroup)
	r.Delete("/groups/{name}", h.HandleRemoveGroup)
	r.Post("/exceptions", h.HandleAddException)
	r.Get("/exceptions/active", h.HandleActiveExceptions)
	r.Get("/override", h.HandleOverrideStatus)
	r.Post("/override/activate", h.HandleActivateOverride)
	r.Put("/override/require-password", h.HandleSetRequirePassword)
	r.Get("/config", h.HandleGetConfig)
	r.Put("/mode", h.HandleSetMode)
	r.Put("/policies/{name}/action", h.HandleSetPolicyAction)
	r.Delete("/policies/{name}/action", h.HandleRemovePolicyAction)
	return r
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) models.OperationResult {
	t.Helper()
	var body struct {
		Data models.OperationResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body.Data
}

func TestAdminHandler_AddDevice(t *testing.T) {
	t.Run("creates device with defaults", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())

		svc.On("AddDevice", mock.Anything, adminActor, mock.MatchedBy(func(d models.Device) bool {
			return d.IP == "192.168.1.50" && d.Name == "tablet" && d.Enabled && d.MAC != nil && *d.MAC == "aa:bb:cc:dd:ee:ff"
		})).Return(models.OperationResult{Success: true, Message: "device tablet added"}, nil)

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPost, "/devices", map[string]interface{}{
			"ip":   "192.168.1.50",
			"mac":  "aa:bb:cc:dd:ee:ff",
			"name": "tablet",
		}))

		assert.Equal(t, http.StatusCreated, w.Code)
		res := decodeResult(t, w)
		assert.True(t, res.Success)
		assert.Equal(t, "device tablet added", res.Message)
		svc.AssertExpectations(t)
	})

	t.Run("duration sets expiry", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())
		now := time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC)
		h.now = func() time.Time { return now }

		svc.On("AddDevice", mock.Anything, adminActor, mock.MatchedBy(func(d models.Device) bool {
			return d.ExpiresAt != nil && d.ExpiresAt.Equal(now.Add(90*time.Minute))
		})).Return(models.OperationResult{Success: true, Message: "device guest added"}, nil)

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPost, "/devices", map[string]interface{}{
			"ip":               "192.168.1.60",
			"name":             "guest",
			"duration_minutes": 90,
		}))

		assert.Equal(t, http.StatusCreated, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("invalid address rejected before service", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPost, "/devices", map[string]interface{}{
			"ip":   "not-an-ip",
			"mac":  "zz:zz",
			"name": "tablet",
		}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "AddDevice", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("duplicate maps to conflict", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())

		svc.On("AddDevice", mock.Anything, adminActor, mock.Anything).
			Return(models.OperationResult{Success: false, Message: "device already exists"}, services.ErrDuplicateDevice)

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPost, "/devices", map[string]interface{}{
			"ip":   "192.168.1.50",
			"name": "tablet",
		}))

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestAdminHandler_RemoveDevice(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		ip             string
		err            error
		expectedStatus int
	}{
		{"ipv4", "/devices/192.168.1.50", "192.168.1.50", nil, http.StatusOK},
		{"escaped ipv6", "/devices/fe80%3A%3A1", "fe80::1", nil, http.StatusOK},
		{"missing", "/devices/10.0.0.1", "10.0.0.1", services.ErrDeviceNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockAdminService)
			h := NewAdminHandler(svc, zap.NewNop())
			svc.On("RemoveDevice", mock.Anything, adminActor, tt.ip).
				Return(models.OperationResult{Success: tt.err == nil, Message: "done"}, tt.err)

			w := httptest.NewRecorder()
			adminRouter(h).ServeHTTP(w, adminRequest(http.MethodDelete, tt.path, nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestAdminHandler_AddException(t *testing.T) {
	t.Run("parses day names", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())

		svc.On("AddException", mock.Anything, adminActor, mock.MatchedBy(func(e models.TimeException) bool {
			return len(e.Days) == 2 && e.Days[0] == models.Monday && e.Days[1] == models.Friday && e.Enabled
		})).Return(models.OperationResult{Success: true, Message: "exception homework added"}, nil)

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPost, "/exceptions", map[string]interface{}{
			"name":       "homework",
			"days":       []string{"monday", "Friday"},
			"start_time": "15:00",
			"end_time":   "18:00",
			"device_ips": []string{"192.168.1.102"},
		}))

		assert.Equal(t, http.StatusCreated, w.Code)
		svc.AssertExpectations(t)
	})

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"unknown day", map[string]interface{}{"name": "x", "days": []string{"funday"}, "start_time": "15:00", "end_time": "18:00", "device_ips": []string{"10.0.0.1"}}},
		{"bad clock", map[string]interface{}{"name": "x", "days": []string{"monday"}, "start_time": "25:00", "end_time": "18:00", "device_ips": []string{"10.0.0.1"}}},
		{"no devices", map[string]interface{}{"name": "x", "days": []string{"monday"}, "start_time": "15:00", "end_time": "18:00", "device_ips": []string{}}},
		{"bad device ip", map[string]interface{}{"name": "x", "days": []string{"monday"}, "start_time": "15:00", "end_time": "18:00", "device_ips": []string{"nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockAdminService)
			h := NewAdminHandler(svc, zap.NewNop())

			w := httptest.NewRecorder()
			adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPost, "/exceptions", tt.body))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			svc.AssertNotCalled(t, "AddException", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestAdminHandler_Override(t *testing.T) {
	t.Run("activate with wrong password", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())
		svc.On("ActivateOverride", mock.Anything, adminActor, "wrong").
			Return(models.OperationResult{Success: false, Message: "invalid password"}, services.ErrInvalidOverridePassword)

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPost, "/override/activate", map[string]string{"password": "wrong"}))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("status", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())
		svc.On("OverrideStatus").Return(models.OverrideStatus{Enabled: true, RequirePassword: true, HasPassword: true})

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodGet, "/override", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Data models.OverrideStatus `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.True(t, body.Data.Enabled)
		assert.True(t, body.Data.HasPassword)
	})

	t.Run("require password must be explicit", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPut, "/override/require-password", map[string]interface{}{}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "SetRequirePassword", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("require password false", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())
		svc.On("SetRequirePassword", mock.Anything, adminActor, false).
			Return(models.OperationResult{Success: true, Message: "override password requirement disabled"}, nil)

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPut, "/override/require-password", map[string]interface{}{"require": false}))

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})
}

func TestAdminHandler_Mode(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())
		svc.On("SetMode", mock.Anything, adminActor, "observe").
			Return(models.OperationResult{Success: true, Message: "Enforcement mode set to observe"}, nil)

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPut, "/mode", map[string]string{"mode": "observe"}))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Enforcement mode set to observe", decodeResult(t, w).Message)
		svc.AssertExpectations(t)
	})

	t.Run("unknown mode", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())
		svc.On("SetMode", mock.Anything, adminActor, "lenient").
			Return(models.OperationResult{Success: false, Message: "invalid enforcement mode"},
				services.NewDomainError(services.ErrorTypeValidation, `invalid enforcement mode "lenient"`, nil))

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPut, "/mode", map[string]string{"mode": "lenient"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("missing mode", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPut, "/mode", map[string]string{}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "SetMode", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestAdminHandler_PolicyAction(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())
		svc.On("SetPolicyAction", mock.Anything, adminActor, "bedtime.rego", "alert").
			Return(models.OperationResult{Success: true, Message: "Policy bedtime set to alert"}, nil)

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodPut, "/policies/bedtime.rego/action", map[string]string{"action": "alert"}))

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("remove missing", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, zap.NewNop())
		svc.On("RemovePolicyAction", mock.Anything, adminActor, "homework").
			Return(models.OperationResult{Success: false, Message: "no action configured"},
				services.NewDomainError(services.ErrorTypeNotFound, "no action configured for policy homework", nil))

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodDelete, "/policies/homework/action", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
		svc.AssertExpectations(t)
	})
}

func TestAdminHandler_Reads(t *testing.T) {
	svc := new(MockAdminService)
	h := NewAdminHandler(svc, zap.NewNop())

	snap := models.NewSnapshot()
	snap.Devices = []models.Device{{IP: "192.168.1.50", Name: "tablet", Enabled: true}}
	svc.On("Snapshot").Return(snap)
	svc.On("ActiveExceptions").Return(nil)

	t.Run("devices", func(t *testing.T) {
		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodGet, "/devices", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Data []models.Device `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Len(t, body.Data, 1)
		assert.Equal(t, "tablet", body.Data[0].Name)
	})

	t.Run("active exceptions never null", func(t *testing.T) {
		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodGet, "/exceptions/active", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"data":[]}`, w.Body.String())
	})

	t.Run("config hides password hash", func(t *testing.T) {
		hash := "deadbeef"
		snap.EmergencyOverride.PasswordHash = &hash

		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, adminRequest(http.MethodGet, "/config", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), "deadbeef")
	})
}

func TestActorFrom(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	assert.Equal(t, enforcement.Actor{Name: "unknown", ClientIP: "10.0.0.5"}, actorFrom(req))

	req = req.WithContext(middleware.WithClaims(req.Context(), &middleware.Claims{Subject: "parent"}))
	assert.Equal(t, enforcement.Actor{Name: "parent", ClientIP: "10.0.0.5"}, actorFrom(req))
}
