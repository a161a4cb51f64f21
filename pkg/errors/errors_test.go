package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"intercom/internal/core/domain"
	"intercom/pkg/circuitbreaker"
	"intercom/pkg/protocol"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if !errors.Is(err, originalErr) {
		t.Errorf("expected wrapped cause to be reachable")
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "volume").WithContext("value", 1.5)

	if err.Context["field"] != "volume" {
		t.Errorf("Context[field] = %v", err.Context["field"])
	}
	if err.Context["value"] != 1.5 {
		t.Errorf("Context[value] = %v", err.Context["value"])
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	if GetAppError(appErr) != appErr {
		t.Error("GetAppError() should return the AppError itself")
	}
	if GetAppError(fmt.Errorf("handler: %w", appErr)) != appErr {
		t.Error("GetAppError() should find an AppError behind fmt wrapping")
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
	if !IsAppError(appErr) || IsAppError(errors.New("plain")) {
		t.Error("IsAppError() mismatch")
	}
}

func TestFromDomain(t *testing.T) {
	cases := []struct {
		err    error
		code   ErrorCode
		status int
	}{
		{domain.ErrNotIdle, ErrCodeConflict, http.StatusConflict},
		{fmt.Errorf("answer: %w", domain.ErrNotRinging), ErrCodeConflict, http.StatusConflict},
		{domain.ErrNoPeer, ErrCodeNotReady, http.StatusConflict},
		{domain.ErrPeerBusy, ErrCodeBusy, http.StatusConflict},
		{circuitbreaker.ErrOpen, ErrCodePeerUnreachable, http.StatusBadGateway},
		{domain.ErrEngineStopped, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{domain.ErrInvalidSetting, ErrCodeInvalidInput, http.StatusBadRequest},
		{errors.New("boom"), ErrCodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got := FromDomain(tc.err)
		if got.Code != tc.code || got.HTTPStatus != tc.status {
			t.Errorf("FromDomain(%v) = %s/%d, want %s/%d", tc.err, got.Code, got.HTTPStatus, tc.code, tc.status)
		}
	}
	if FromDomain(nil) != nil {
		t.Error("FromDomain(nil) should be nil")
	}
}

func TestWireCode(t *testing.T) {
	if WireCode(domain.ErrNotIdle) != protocol.CodeBusy {
		t.Error("busy engine should map to BUSY")
	}
	if WireCode(protocol.ErrTruncated) != protocol.CodeInvalidMsg {
		t.Error("malformed frame should map to INVALID_MSG")
	}
	if WireCode(domain.ErrEngineStopped) != protocol.CodeNotReady {
		t.Error("stopped engine should map to NOT_READY")
	}
	if WireCode(errors.New("boom")) != protocol.CodeInternal {
		t.Error("unknown error should map to INTERNAL")
	}
}
