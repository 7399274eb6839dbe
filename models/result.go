package models

// OperationResult is returned by every administrative operation.
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
