package models

// Error codes carried in ToolError.Code and in JSON-RPC error.data for
// tool-invocation failures.
const (
	ErrToolNotFound            = "TOOL_NOT_FOUND"
	ErrInvalidInput            = "INVALID_INPUT"
	ErrConcurrencyLimit        = "CONCURRENCY_LIMIT"
	ErrExecutionError          = "EXECUTION_ERROR"
	ErrApprovalDenied          = "APPROVAL_DENIED"
	ErrInvocationNotFound      = "INVOCATION_NOT_FOUND"
	ErrInvalidState            = "INVALID_STATE"
	ErrApprovalNotFound        = "APPROVAL_NOT_FOUND"
	ErrApprovalAlreadyResolved = "APPROVAL_ALREADY_RESOLVED"
	ErrApprovalExpired         = "APPROVAL_EXPIRED"
)

// ToolResult is the uniform result shape returned by tools.invoke and passed
// between the runtime, executor, and replanner. Exactly one of Data or Error
// is meaningful, selected by OK.
type ToolResult struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ToolError `json:"error,omitempty"`
	Meta  ToolMeta   `json:"meta"`
}

// ToolError describes a failed tool invocation.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ToolMeta carries execution metadata present on every result.
type ToolMeta struct {
	DurationMs int64    `json:"durationMs"`
	Artifacts  []string `json:"artifacts,omitempty"`
	Truncated  bool     `json:"truncated,omitempty"`
}

// OKResult builds a successful result.
func OKResult(data any, durationMs int64) *ToolResult {
	return &ToolResult{OK: true, Data: data, Meta: ToolMeta{DurationMs: durationMs}}
}

// FailResult builds a failed result with the given code and message.
func FailResult(code, message string, durationMs int64) *ToolResult {
	return &ToolResult{
		OK:    false,
		Error: &ToolError{Code: code, Message: message},
		Meta:  ToolMeta{DurationMs: durationMs},
	}
}

// ErrorCode returns the failure code, or "" for a successful result.
func (r *ToolResult) ErrorCode() string {
	if r == nil || r.OK || r.Error == nil {
		return ""
	}
	return r.Error.Code
}
