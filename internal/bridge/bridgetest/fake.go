// Package bridgetest provides an in-memory Bridge for tests.
package bridgetest

import (
	"context"
	"sync"

	"github.com/Guliveer/vitalis/resmon/internal/bridge"
	"github.com/Guliveer/vitalis/resmon/internal/models"
)

// Fake answers requests from canned data. The zero value returns no
// memory modules, answers process reads with NotFound and lets every
// action succeed.
type Fake struct {
	mu sync.Mutex

	// Memory is returned for memory table reads unless MemoryErr is set.
	Memory    []models.MemoryModule
	MemoryErr error
	// Processes are returned for privileged reads, keyed by pid. Unknown
	// pids fail with ProcessErr, or NotFound when ProcessErr is nil.
	Processes  map[int32]*bridge.ProcessDetails
	ProcessErr error
	// ActionErr is returned for every action. Nil means success.
	ActionErr error
	// Err, if set, fails every request.
	Err error
	// Hook, if set, is called before a request is answered. It may block
	// to simulate a slow helper.
	Hook func(ctx context.Context, req bridge.Request)

	requests []bridge.Request
}

// Fetch implements bridge.Bridge.
func (f *Fake) Fetch(ctx context.Context, req bridge.Request) (bridge.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	hook := f.Hook
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return bridge.Response{}, f.Err
	}
	if err := req.Validate(); err != nil {
		return bridge.Response{}, &bridge.FetchError{Code: bridge.CodeInvalid, Kind: req.Kind, Message: err.Error()}
	}
	switch req.Kind {
	case bridge.KindReadHardwareTable:
		if f.MemoryErr != nil {
			return bridge.Response{}, f.MemoryErr
		}
		return bridge.Response{Memory: f.Memory}, nil
	case bridge.KindReadProcessPrivileged:
		if d, ok := f.Processes[req.PID]; ok {
			cp := *d
			return bridge.Response{Process: &cp}, nil
		}
		if f.ProcessErr != nil {
			return bridge.Response{}, f.ProcessErr
		}
		return bridge.Response{}, &bridge.FetchError{Code: bridge.CodeNotFound, Kind: req.Kind, Message: "no such process"}
	default:
		return bridge.Response{}, f.ActionErr
	}
}

// Requests returns a copy of every request received.
func (f *Fake) Requests() []bridge.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bridge.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Denied returns a PermissionDenied error for kind.
func Denied(kind bridge.Kind) error {
	return &bridge.FetchError{Code: bridge.CodePermissionDenied, Kind: kind, Message: "operation not permitted"}
}

// Unavailable returns an Unavailable error for kind.
func Unavailable(kind bridge.Kind) error {
	return &bridge.FetchError{Code: bridge.CodeUnavailable, Kind: kind, Message: "helper not running"}
}
