package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/llm-enforcement-gateway/services"
	"github.com/upb/llm-enforcement-gateway/utils"
	"go.uber.org/zap"
)

// publicMessage returns the domain message without wrapped causes
func publicMessage(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}

// errorDetails copies the domain details and adds the failure code
func errorDetails(err error) map[string]interface{} {
	src := services.GetErrorDetails(err)
	code := services.GetErrorCode(err)
	if len(src) == 0 && code == "" {
		return nil
	}
	details := make(map[string]interface{}, len(src)+1)
	for k, v := range src {
		details[k] = v
	}
	if code != "" {
		details["code"] = code
	}
	return details
}

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	msg := publicMessage(err)
	details := errorDetails(err)

	var status int
	switch {
	case services.IsNotFoundError(err):
		status = http.StatusNotFound
	case services.IsValidationError(err):
		status = http.StatusBadRequest
	case services.IsUnauthorizedError(err), services.IsAuthenticationError(err):
		// Override password failures share one generic 401
		status = http.StatusUnauthorized
	case services.IsForbiddenError(err):
		status = http.StatusForbidden
	case services.IsRateLimitError(err):
		status = http.StatusTooManyRequests
	case services.IsConflictError(err), services.IsConfigurationError(err):
		status = http.StatusConflict
	case services.IsExternalError(err):
		status = http.StatusBadGateway
	case services.IsStorageError(err):
		logger.Error("storage error", zap.Error(err))
		status = http.StatusServiceUnavailable
	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		status, msg, details = http.StatusInternalServerError, "An internal error occurred", nil
	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		status, msg, details = http.StatusInternalServerError, "An unexpected error occurred", nil
	}

	if werr := utils.WriteError(w, status, msg, details); werr != nil {
		logger.Error("failed to write error response", zap.Int("status", status), zap.Error(werr))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// decodeAndValidate reads a JSON body into v and validates it, writing a
// 400 response and returning false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}, logger *zap.Logger) bool {
	if err := utils.DecodeJSON(r, v); err != nil {
		HandleValidationError(w, err, logger)
		return false
	}
	if err := utils.ValidateStruct(v); err != nil {
		HandleValidationError(w, err, logger)
		return false
	}
	return true
}
