package handlers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-enforcement-gateway/middleware"
	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services/enforcement"
	"github.com/upb/llm-enforcement-gateway/utils"
	"go.uber.org/zap"
)

// DeviceRequest represents a request to allowlist a device
type DeviceRequest struct {
	IP              string     `json:"ip" validate:"required,ip"`
	MAC             string     `json:"mac,omitempty" validate:"omitempty,anymac"`
	Name            string     `json:"name" validate:"required,max=64"`
	Enabled         *bool      `json:"enabled,omitempty"`
	Permanent       bool       `json:"permanent"`
	Group           string     `json:"group,omitempty" validate:"max=64"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty" validate:"gte=0,lte=525600"`
	Notes           string     `json:"notes,omitempty" validate:"max=512"`
}

// GroupRequest represents a request to create a device group
type GroupRequest struct {
	Name        string   `json:"name" validate:"required,max=64"`
	Description string   `json:"description,omitempty" validate:"max=512"`
	DeviceIPs   []string `json:"device_ips" validate:"dive,ip"`
	Enabled     *bool    `json:"enabled,omitempty"`
}

// ExceptionRequest represents a request to add a recurring time exception
type ExceptionRequest struct {
	Name        string           `json:"name" validate:"required,max=64"`
	Description string           `json:"description,omitempty" validate:"max=512"`
	Days        []models.Weekday `json:"days" validate:"required,min=1"`
	StartTime   string           `json:"start_time" validate:"required,clock"`
	EndTime     string           `json:"end_time" validate:"required,clock"`
	DeviceIPs   []string         `json:"device_ips" validate:"required,min=1,dive,ip"`
	Enabled     *bool            `json:"enabled,omitempty"`
}

// OverrideTransitionRequest carries the password for activate/deactivate.
// The password may be omitted when the override does not require one.
type OverrideTransitionRequest struct {
	Password string `json:"password,omitempty"`
}

// SetPasswordRequest replaces the emergency override password
type SetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=4,max=256"`
}

// RequirePasswordRequest toggles the password requirement
type RequirePasswordRequest struct {
	Require *bool `json:"require" validate:"required"`
}

// ModeRequest switches the enforcement mode
type ModeRequest struct {
	Mode string `json:"mode" validate:"required,max=16"`
}

// PolicyActionRequest sets what enforce mode does with one policy's blocking verdicts
type PolicyActionRequest struct {
	Action string `json:"action" validate:"required,max=16"`
}

// AdminService defines the administrative operations over the enforcement configuration
type AdminService interface {
	Snapshot() *models.Snapshot
	AddDevice(ctx context.Context, actor enforcement.Actor, d models.Device) (models.OperationResult, error)
	RemoveDevice(ctx context.Context, actor enforcement.Actor, ip string) (models.OperationResult, error)
	AddGroup(ctx context.Context, actor enforcement.Actor, g models.Group) (models.OperationResult, error)
	RemoveGroup(ctx context.Context, actor enforcement.Actor, name string) (models.OperationResult, error)
	AddException(ctx context.Context, actor enforcement.Actor, e models.TimeException) (models.OperationResult, error)
	RemoveException(ctx context.Context, actor enforcement.Actor, name string) (models.OperationResult, error)
	ActivateOverride(ctx context.Context, actor enforcement.Actor, password string) (models.OperationResult, error)
	DeactivateOverride(ctx context.Context, actor enforcement.Actor, password string) (models.OperationResult, error)
	SetOverridePassword(ctx context.Context, actor enforcement.Actor, password string) (models.OperationResult, error)
	SetRequirePassword(ctx context.Context, actor enforcement.Actor, require bool) (models.OperationResult, error)
	SetMode(ctx context.Context, actor enforcement.Actor, mode string) (models.OperationResult, error)
	SetPolicyAction(ctx context.Context, actor enforcement.Actor, policy, action string) (models.OperationResult, error)
	RemovePolicyAction(ctx context.Context, actor enforcement.Actor, policy string) (models.OperationResult, error)
	OverrideStatus() models.OverrideStatus
	ActiveExceptions() []models.TimeException
}

// AdminHandler handles the configuration endpoints of the admin API
type AdminHandler struct {
	service AdminService
	now     func() time.Time
	logger  *zap.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(service AdminService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		now:     time.Now,
		logger:  logger,
	}
}

// actorFrom identifies the caller from the validated token and source address
func actorFrom(r *http.Request) enforcement.Actor {
	actor := enforcement.Actor{Name: "unknown", ClientIP: utils.ClientIP(r)}
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		actor.Name = claims.Subject
	}
	return actor
}

// pathParam returns the unescaped chi URL parameter
func pathParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// writeResult writes the outcome of an administrative operation
func (h *AdminHandler) writeResult(w http.ResponseWriter, r *http.Request, op string, status int, res models.OperationResult, err error) {
	if err != nil {
		h.logger.Info("admin operation rejected",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.String("operation", op),
			zap.String("message", res.Message))
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteJSON(w, status, utils.SuccessResponse{Data: res, Message: res.Message})
}

// HandleGetConfig handles GET /api/v1/admin/config
func (h *AdminHandler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.service.Snapshot())
}

// HandleListDevices handles GET /api/v1/admin/devices
func (h *AdminHandler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.service.Snapshot().Devices
	if devices == nil {
		devices = []models.Device{}
	}
	_ = utils.WriteOK(w, devices)
}

// HandleAddDevice handles POST /api/v1/admin/devices
func (h *AdminHandler) HandleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	d := models.Device{
		IP:        req.IP,
		Name:      req.Name,
		Enabled:   boolOr(req.Enabled, true),
		Permanent: req.Permanent,
		ExpiresAt: req.ExpiresAt,
	}
	if req.MAC != "" {
		d.MAC = &req.MAC
	}
	if req.Group != "" {
		d.Group = &req.Group
	}
	if req.Notes != "" {
		d.Notes = &req.Notes
	}
	if req.DurationMinutes > 0 && d.ExpiresAt == nil {
		expires := h.now().UTC().Add(time.Duration(req.DurationMinutes) * time.Minute)
		d.ExpiresAt = &expires
	}

	res, err := h.service.AddDevice(r.Context(), actorFrom(r), d)
	h.writeResult(w, r, "add_device", http.StatusCreated, res, err)
}

// HandleRemoveDevice handles DELETE /api/v1/admin/devices/{ip}
func (h *AdminHandler) HandleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RemoveDevice(r.Context(), actorFrom(r), pathParam(r, "ip"))
	h.writeResult(w, r, "remove_device", http.StatusOK, res, err)
}

// HandleListGroups handles GET /api/v1/admin/groups
func (h *AdminHandler) HandleListGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.service.Snapshot().Groups
	if groups == nil {
		groups = []models.Group{}
	}
	_ = utils.WriteOK(w, groups)
}

// HandleAddGroup handles POST /api/v1/admin/groups
func (h *AdminHandler) HandleAddGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	res, err := h.service.AddGroup(r.Context(), actorFrom(r), models.Group{
		Name:        req.Name,
		Description: req.Description,
		DeviceIPs:   req.DeviceIPs,
		Enabled:     boolOr(req.Enabled, true),
	})
	h.writeResult(w, r, "add_group", http.StatusCreated, res, err)
}

// HandleRemoveGroup handles DELETE /api/v1/admin/groups/{name}
func (h *AdminHandler) HandleRemoveGroup(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RemoveGroup(r.Context(), actorFrom(r), pathParam(r, "name"))
	h.writeResult(w, r, "remove_group", http.StatusOK, res, err)
}

// HandleListExceptions handles GET /api/v1/admin/exceptions
func (h *AdminHandler) HandleListExceptions(w http.ResponseWriter, r *http.Request) {
	exceptions := h.service.Snapshot().TimeExceptions
	if exceptions == nil {
		exceptions = []models.TimeException{}
	}
	_ = utils.WriteOK(w, exceptions)
}

// HandleActiveExceptions handles GET /api/v1/admin/exceptions/active
func (h *AdminHandler) HandleActiveExceptions(w http.ResponseWriter, r *http.Request) {
	active := h.service.ActiveExceptions()
	if active == nil {
		active = []models.TimeException{}
	}
	_ = utils.WriteOK(w, active)
}

// HandleAddException handles POST /api/v1/admin/exceptions
func (h *AdminHandler) HandleAddException(w http.ResponseWriter, r *http.Request) {
	var req ExceptionRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	res, err := h.service.AddException(r.Context(), actorFrom(r), models.TimeException{
		Name:        req.Name,
		Description: req.Description,
		Days:        req.Days,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		DeviceIPs:   req.DeviceIPs,
		Enabled:     boolOr(req.Enabled, true),
	})
	h.writeResult(w, r, "add_exception", http.StatusCreated, res, err)
}

// HandleRemoveException handles DELETE /api/v1/admin/exceptions/{name}
func (h *AdminHandler) HandleRemoveException(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RemoveException(r.Context(), actorFrom(r), pathParam(r, "name"))
	h.writeResult(w, r, "remove_exception", http.StatusOK, res, err)
}

// HandleOverrideStatus handles GET /api/v1/admin/override
func (h *AdminHandler) HandleOverrideStatus(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.service.OverrideStatus())
}

// HandleActivateOverride handles POST /api/v1/admin/override/activate
func (h *AdminHandler) HandleActivateOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideTransitionRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	res, err := h.service.ActivateOverride(r.Context(), actorFrom(r), req.Password)
	h.writeResult(w, r, "activate_override", http.StatusOK, res, err)
}

// HandleDeactivateOverride handles POST /api/v1/admin/override/deactivate
func (h *AdminHandler) HandleDeactivateOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideTransitionRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	res, err := h.service.DeactivateOverride(r.Context(), actorFrom(r), req.Password)
	h.writeResult(w, r, "deactivate_override", http.StatusOK, res, err)
}

// HandleSetOverridePassword handles PUT /api/v1/admin/override/password
func (h *AdminHandler) HandleSetOverridePassword(w http.ResponseWriter, r *http.Request) {
	var req SetPasswordRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	res, err := h.service.SetOverridePassword(r.Context(), actorFrom(r), req.Password)
	h.writeResult(w, r, "set_override_password", http.StatusOK, res, err)
}

// HandleSetRequirePassword handles PUT /api/v1/admin/override/require-password
func (h *AdminHandler) HandleSetRequirePassword(w http.ResponseWriter, r *http.Request) {
	var req RequirePasswordRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	res, err := h.service.SetRequirePassword(r.Context(), actorFrom(r), *req.Require)
	h.writeResult(w, r, "set_require_password", http.StatusOK, res, err)
}

// HandleSetMode handles PUT /api/v1/admin/mode
func (h *AdminHandler) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	res, err := h.service.SetMode(r.Context(), actorFrom(r), req.Mode)
	h.writeResult(w, r, "set_mode", http.StatusOK, res, err)
}

// HandleSetPolicyAction handles PUT /api/v1/admin/policies/{name}/action
func (h *AdminHandler) HandleSetPolicyAction(w http.ResponseWriter, r *http.Request) {
	var req PolicyActionRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	res, err := h.service.SetPolicyAction(r.Context(), actorFrom(r), pathParam(r, "name"), req.Action)
	h.writeResult(w, r, "set_policy_action", http.StatusOK, res, err)
}

// HandleRemovePolicyAction handles DELETE /api/v1/admin/policies/{name}/action
func (h *AdminHandler) HandleRemovePolicyAction(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RemovePolicyAction(r.Context(), actorFrom(r), pathParam(r, "name"))
	h.writeResult(w, r, "remove_policy_action", http.StatusOK, res, err)
}
