package types

import (
	"context"
	"testing"
)

func TestWithRequestID_GetRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID = %q", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on empty context = %q", got)
	}
}

func TestWithCaller_GetCaller(t *testing.T) {
	if _, ok := GetCaller(context.Background()); ok {
		t.Error("empty context should have no caller")
	}
	if _, ok := GetCaller(WithCaller(context.Background(), "")); ok {
		t.Error("empty caller should not count as set")
	}

	c, ok := GetCaller(WithCaller(context.Background(), "admin"))
	if !ok || c != "admin" {
		t.Errorf("GetCaller = %q, %v", c, ok)
	}
}

func TestContextKeys_ArePrivate(t *testing.T) {
	// A plain string key with the same text must not collide.
	ctx := context.WithValue(context.Background(), "request_id", "spoofed") //nolint:staticcheck
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("plain string key leaked into GetRequestID: %q", got)
	}
}

func TestContextValues_DoNotInterfere(t *testing.T) {
	ctx := WithCaller(WithRequestID(context.Background(), "req-1"), "admin")
	if GetRequestID(ctx) != "req-1" {
		t.Error("request id lost")
	}
	if c, _ := GetCaller(ctx); c != "admin" {
		t.Error("caller lost")
	}
}
