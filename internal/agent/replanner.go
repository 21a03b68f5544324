package agent

import (
	"log/slog"
	"strings"
	"time"

	"github.com/moonbotlabs/moonbot/internal/retry"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

// FailureClass buckets a failed invocation for recovery selection.
type FailureClass string

const (
	ClassNetwork    FailureClass = "network"
	ClassPermission FailureClass = "permission"
	ClassValidation FailureClass = "validation"
	ClassTimeout    FailureClass = "timeout"
	ClassNotFound   FailureClass = "not_found"
	ClassUnknown    FailureClass = "unknown"
)

// Action is the replanner's recovery decision for one failed step.
type Action string

const (
	// ActionRetry reruns the step after a backoff.
	ActionRetry Action = "RETRY"
	// ActionAlternative reruns the step with a substitute tool.
	ActionAlternative Action = "ALTERNATIVE"
	// ActionApproval resubmits the step so the approval flow can engage.
	ActionApproval Action = "APPROVAL"
	// ActionAbort gives up on the step, failing the task.
	ActionAbort Action = "ABORT"
)

// DefaultRetryLimit bounds recovery attempts per logical step.
const DefaultRetryLimit = 3

// substitutions maps tools a plan asked for onto registered equivalents,
// consulted when the original id is not found.
var substitutions = map[string]string{
	"fs.search":     "fs.list",
	"fs.append":     "fs.write",
	"http.post":     "http.fetch",
	"http.download": "http.fetch",
}

// Recovery is the replanner's instruction to the executor.
type Recovery struct {
	Action Action
	Class  FailureClass

	// Tool is the substitute tool id when Action is ActionAlternative.
	Tool string

	// Wait is the backoff to observe before ActionRetry.
	Wait time.Duration
}

// Replanner decides how the executor recovers from failed invocations.
type Replanner struct {
	limit   int
	backoff retry.Policy
	logger  *slog.Logger
}

// NewReplanner builds a replanner with the given per-step recovery limit.
// limit <= 0 means DefaultRetryLimit.
func NewReplanner(limit int, logger *slog.Logger) *Replanner {
	if limit <= 0 {
		limit = DefaultRetryLimit
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Replanner{
		limit:   limit,
		backoff: retry.Exponential(limit, 250*time.Millisecond, 5*time.Second),
		logger:  logger.With("component", "replanner"),
	}
}

// Recover picks the next action for a failed step. attempt counts
// recoveries already spent on the step, starting at zero; once it reaches
// the limit the only answer is abort.
func (r *Replanner) Recover(toolID string, result *models.ToolResult, attempt int) Recovery {
	class := ClassifyFailure(result)
	if attempt >= r.limit {
		r.logger.Warn("recovery limit reached", "tool", toolID, "class", class, "attempts", attempt)
		return Recovery{Action: ActionAbort, Class: class}
	}

	switch class {
	case ClassValidation:
		// The same input cannot pass validation on a rerun.
		return Recovery{Action: ActionAbort, Class: class}
	case ClassPermission:
		if result.ErrorCode() == models.ErrApprovalDenied {
			// A human already said no; asking again is not recovery.
			return Recovery{Action: ActionAbort, Class: class}
		}
		return Recovery{Action: ActionApproval, Class: class}
	case ClassNotFound:
		if alt, ok := substitutions[toolID]; ok {
			r.logger.Info("substituting tool", "from", toolID, "to", alt)
			return Recovery{Action: ActionAlternative, Class: class, Tool: alt}
		}
		return Recovery{Action: ActionAbort, Class: class}
	default:
		// Network, timeout, and unclassified failures are presumed
		// transient until the attempt budget says otherwise.
		return Recovery{Action: ActionRetry, Class: class, Wait: r.backoff.Delay(attempt + 1)}
	}
}

// ClassifyFailure buckets a failed result by error code, then by message
// text for the generic execution-error code.
func ClassifyFailure(result *models.ToolResult) FailureClass {
	if result == nil || result.Error == nil {
		return ClassUnknown
	}
	switch result.Error.Code {
	case models.ErrToolNotFound:
		return ClassNotFound
	case models.ErrInvalidInput:
		return ClassValidation
	case models.ErrApprovalDenied:
		return ClassPermission
	case models.ErrConcurrencyLimit:
		// Load shedding clears with time, the same treatment as a timeout.
		return ClassTimeout
	}

	msg := strings.ToLower(result.Error.Message)
	switch {
	case containsAny(msg, "timed out", "timeout", "deadline exceeded"):
		return ClassTimeout
	case containsAny(msg, "connection refused", "connection reset", "no such host",
		"network is unreachable", "i/o timeout", "broken pipe"):
		return ClassNetwork
	case containsAny(msg, "permission denied", "operation not permitted", "access denied", "forbidden"):
		return ClassPermission
	case containsAny(msg, "no such file", "not found", "does not exist"):
		return ClassNotFound
	default:
		return ClassUnknown
	}
}
