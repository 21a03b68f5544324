package agent

import (
	"testing"

	"github.com/moonbotlabs/moonbot/pkg/models"
)

func failed(code, message string) *models.ToolResult {
	return models.FailResult(code, message, 0)
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name   string
		result *models.ToolResult
		want   FailureClass
	}{
		{"tool missing", failed(models.ErrToolNotFound, "tool \"x\" not found"), ClassNotFound},
		{"bad input", failed(models.ErrInvalidInput, "invalid input: path: required"), ClassValidation},
		{"denied", failed(models.ErrApprovalDenied, "Tool execution was denied"), ClassPermission},
		{"saturated", failed(models.ErrConcurrencyLimit, "too many concurrent invocations"), ClassTimeout},
		{"timeout", failed(models.ErrExecutionError, "tool execution timed out after 30s"), ClassTimeout},
		{"refused", failed(models.ErrExecutionError, "dial tcp: connection refused"), ClassNetwork},
		{"eacces", failed(models.ErrExecutionError, "open /etc/shadow: permission denied"), ClassPermission},
		{"enoent", failed(models.ErrExecutionError, "open x.txt: no such file or directory"), ClassNotFound},
		{"mystery", failed(models.ErrExecutionError, "segfault"), ClassUnknown},
		{"nil", nil, ClassUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyFailure(tc.result); got != tc.want {
			t.Errorf("%s: class = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRecoverActions(t *testing.T) {
	r := NewReplanner(3, nil)

	rec := r.Recover("http.fetch", failed(models.ErrExecutionError, "i/o timeout"), 0)
	if rec.Action != ActionRetry || rec.Wait <= 0 {
		t.Fatalf("transient failure: %+v, want retry with backoff", rec)
	}

	rec = r.Recover("fs.read", failed(models.ErrInvalidInput, "invalid input"), 0)
	if rec.Action != ActionAbort {
		t.Fatalf("validation failure: %+v, want abort", rec)
	}

	rec = r.Recover("system.run", failed(models.ErrApprovalDenied, "Tool execution was denied"), 0)
	if rec.Action != ActionAbort {
		t.Fatalf("human denial: %+v, want abort", rec)
	}

	rec = r.Recover("fs.write", failed(models.ErrExecutionError, "permission denied"), 0)
	if rec.Action != ActionApproval {
		t.Fatalf("os permission failure: %+v, want approval resubmission", rec)
	}

	rec = r.Recover("fs.search", failed(models.ErrToolNotFound, "not found"), 0)
	if rec.Action != ActionAlternative || rec.Tool != "fs.list" {
		t.Fatalf("substitutable tool: %+v, want alternative fs.list", rec)
	}

	rec = r.Recover("custom.tool", failed(models.ErrToolNotFound, "not found"), 0)
	if rec.Action != ActionAbort {
		t.Fatalf("unsubstitutable tool: %+v, want abort", rec)
	}
}

func TestRecoverLimitExhaustion(t *testing.T) {
	r := NewReplanner(2, nil)
	transient := failed(models.ErrExecutionError, "connection refused")

	if rec := r.Recover("http.fetch", transient, 1); rec.Action != ActionRetry {
		t.Fatalf("attempt 1 of 2: %+v, want retry", rec)
	}
	if rec := r.Recover("http.fetch", transient, 2); rec.Action != ActionAbort {
		t.Fatalf("attempt 2 of 2: %+v, want abort", rec)
	}
}
