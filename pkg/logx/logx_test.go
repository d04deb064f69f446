package logx

import (
	"testing"
)

func TestIsDebugEnabledForDomain(t *testing.T) {
	// Default off.
	SetDebug(false)
	if IsDebugEnabledForDomain("loop") {
		t.Error("Expected debug disabled by default")
	}

	SetDebug(true)
	defer SetDebug(false)

	// With no domain filter, all domains are enabled.
	debugMutex.Lock()
	debugDomains = nil
	debugMutex.Unlock()
	if !IsDebugEnabledForDomain("loop") {
		t.Error("Expected all domains enabled when no filter is set")
	}

	// With a filter, only listed domains are enabled.
	debugMutex.Lock()
	debugDomains = map[string]bool{"git": true}
	debugMutex.Unlock()
	defer func() {
		debugMutex.Lock()
		debugDomains = nil
		debugMutex.Unlock()
	}()

	if !IsDebugEnabledForDomain("git") {
		t.Error("Expected git domain enabled")
	}
	if IsDebugEnabledForDomain("loop") {
		t.Error("Expected loop domain disabled by filter")
	}
}

func TestWrap(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Expected nil for nil error, got %v", err)
	}

	err := Errorf("base failure %d", 42)
	wrapped := Wrap(err, "outer")
	if wrapped == nil {
		t.Fatal("Expected non-nil wrapped error")
	}
	if wrapped.Error() != "outer: base failure 42" {
		t.Errorf("Unexpected wrapped message: %s", wrapped.Error())
	}
}

func TestLoggerComponent(t *testing.T) {
	l := NewLogger("backlog")
	if l.Component() != "backlog" {
		t.Errorf("Expected component 'backlog', got %q", l.Component())
	}
}
