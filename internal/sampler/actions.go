package sampler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/resmon/internal/bridge"
	"github.com/Guliveer/vitalis/resmon/internal/models"
)

// Action result codes beyond the bridge's own.
const (
	CodeBusy     = "busy"
	CodeReplaced = "process_replaced"
)

// actionGate admits one action per pid at a time.
type actionGate struct {
	mu       sync.Mutex
	inflight map[int32]struct{}
}

func (g *actionGate) acquire(pid int32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[pid]; busy {
		return false
	}
	g.inflight[pid] = struct{}{}
	return true
}

func (g *actionGate) release(pid int32) {
	g.mu.Lock()
	delete(g.inflight, pid)
	g.mu.Unlock()
}

// RequestAction performs an imperative action on a process and returns
// its terminal result. Once sent to the bridge an action is not
// cancelled. A second action on the same pid is refused until the first
// returns. A timeout yields an indeterminate result; the caller must
// re-query the process.
func (s *Sampler) RequestAction(ctx context.Context, req models.ActionRequest) models.ActionResult {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res := s.requestAction(ctx, req)
	s.metrics.ActionResult(string(req.Kind), res.Code)
	s.logger.Info("Process action",
		zap.String("id", res.ID),
		zap.Int32("pid", req.PID),
		zap.String("kind", string(req.Kind)),
		zap.Bool("ok", res.OK),
		zap.String("code", res.Code),
		zap.Bool("indeterminate", res.Indeterminate))
	return res
}

func (s *Sampler) requestAction(ctx context.Context, req models.ActionRequest) models.ActionResult {
	res := models.ActionResult{ID: req.ID, PID: req.PID}
	fail := func(code, format string, args ...any) models.ActionResult {
		res.Code = code
		res.Message = fmt.Sprintf(format, args...)
		return res
	}

	breq, err := bridgeRequest(req)
	if err != nil {
		return fail(string(bridge.CodeInvalid), "%v", err)
	}
	if err := breq.Validate(); err != nil {
		return fail(string(bridge.CodeInvalid), "%v", err)
	}
	if req.StartTime != 0 {
		if code, msg := s.verifyIncarnation(req); code != "" {
			return fail(code, "%s", msg)
		}
	}
	if s.bridge == nil {
		return fail(string(bridge.CodeUnavailable), "privileged helper not configured")
	}
	if !s.actions.acquire(req.PID) {
		return fail(CodeBusy, "another action on pid %d is in progress", req.PID)
	}
	defer s.actions.release(req.PID)

	// The action must complete even if the requester goes away.
	_, err = s.bridge.Fetch(context.WithoutCancel(ctx), breq)
	code := bridge.CodeOf(err)
	if err != nil {
		res.Code = string(code)
		res.Message = err.Error()
		res.Indeterminate = code == bridge.CodeTimeout
		return res
	}
	res.OK = true
	return res
}

// verifyIncarnation checks the requested start time against the latest
// snapshot.
func (s *Sampler) verifyIncarnation(req models.ActionRequest) (code, msg string) {
	snap := s.latest.Load()
	if snap == nil {
		return "", ""
	}
	p, ok := snap.Process(req.PID)
	if !ok {
		return string(bridge.CodeNotFound), fmt.Sprintf("pid %d is not running", req.PID)
	}
	if p.StartTime != req.StartTime {
		return CodeReplaced, fmt.Sprintf("pid %d now belongs to a different process", req.PID)
	}
	return "", ""
}

func bridgeRequest(req models.ActionRequest) (bridge.Request, error) {
	switch req.Kind {
	case models.ActionTerminate:
		return bridge.TerminateProcess(req.PID, bridge.SignalTerm), nil
	case models.ActionKill:
		return bridge.TerminateProcess(req.PID, bridge.SignalKill), nil
	case models.ActionSuspend:
		return bridge.TerminateProcess(req.PID, bridge.SignalStop), nil
	case models.ActionContinue:
		return bridge.TerminateProcess(req.PID, bridge.SignalCont), nil
	case models.ActionSetPriority:
		return bridge.SetPriority(req.PID, req.Priority), nil
	case models.ActionSetAffinity:
		return bridge.SetAffinity(req.PID, req.CPUs), nil
	}
	return bridge.Request{}, fmt.Errorf("unknown action %q", req.Kind)
}
