// Package rpcserver speaks line-delimited JSON-RPC 2.0 over the agent's
// stdin/stdout and dispatches onto the Agent's operations. Long waits
// (readiness, stop grace) happen inside the handling goroutine of the call
// that asked for them, so one slow start never blocks the transport.
// Schema validation beyond the envelope is left to the external tool
// layer.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/procherder/agent/internal/agent"
	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/herderr"
	"github.com/procherder/agent/internal/metrics"
	"github.com/procherder/agent/internal/testrun"
	"github.com/procherder/agent/internal/tracing"
)

const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeOperation      = -32000
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Server reads requests line by line and writes one response line each.
type Server struct {
	agent  *agent.Agent
	in     io.Reader
	logger *slog.Logger

	outMu sync.Mutex
	out   io.Writer
}

// New creates a Server over the given transport.
func New(a *agent.Agent, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{agent: a, in: in, out: out, logger: logger.With("component", "rpc")}
}

// Run serves until the input closes or ctx is cancelled. Each request is
// handled in its own goroutine; responses interleave by request id.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(response{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error: " + err.Error()}})
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			s.write(response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
			continue
		}

		wg.Add(1)
		go func(req request) {
			defer wg.Done()
			s.handle(ctx, req)
		}(req)
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req request) {
	spanCtx, span := tracing.StartRPCSpan(ctx, req.Method)
	result, rpcErr := s.dispatch(spanCtx, req.Method, req.Params)
	outcome := "ok"
	if rpcErr != nil {
		outcome = "error"
		tracing.RecordError(span, fmt.Errorf("%s", rpcErr.Message))
	}
	span.End()
	metrics.RPCRequests.WithLabelValues(req.Method, outcome).Inc()

	s.agent.Bus().Publish(eventbus.Event{
		Category: eventbus.CategoryRPC, Type: req.Method,
		Severity: eventbus.SeverityInfo,
		Message:  fmt.Sprintf("rpc %s %s", req.Method, outcome),
	})

	s.write(response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

func (s *Server) write(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response marshal failed", "error", err)
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	_, _ = s.out.Write(append(data, '\n'))
}

func errorOf(err error) *rpcError {
	e := &rpcError{Code: codeOperation, Message: err.Error()}
	if kind := herderr.Of(err); kind != "" {
		e.Data = map[string]any{"kind": string(kind)}
	}
	return e
}

// readinessParam infers the probe kind from which field is present, the
// shorthand callers actually send ({"port":3100} / {"log":"pattern"}).
type readinessParam struct {
	Kind       string `json:"kind"`
	Port       int    `json:"port"`
	URL        string `json:"url"`
	Log        string `json:"log"`
	Pattern    string `json:"pattern"`
	Regex      bool   `json:"regex"`
	TimeoutMs  *int   `json:"timeoutMs"`
	IntervalMs *int   `json:"intervalMs"`
}

func (r *readinessParam) toSpec() (*config.ReadinessSpec, error) {
	if r == nil {
		return nil, nil
	}
	spec := &config.ReadinessSpec{Kind: r.Kind, Port: r.Port, URL: r.URL, IsRegex: r.Regex}

	pattern := r.Pattern
	if pattern == "" {
		pattern = r.Log
	}
	spec.Pattern = pattern

	if spec.Kind == "" {
		switch {
		case r.Port > 0:
			spec.Kind = "port"
		case r.URL != "":
			spec.Kind = "http"
		case pattern != "":
			spec.Kind = "log"
		default:
			return nil, fmt.Errorf("readiness requires one of port, url, or log")
		}
	}

	// An explicit zero keeps its resolve-immediately meaning; only absence
	// gets the defaults.
	if r.TimeoutMs != nil {
		spec.TimeoutMs = *r.TimeoutMs
	} else {
		spec.TimeoutMs = 20000
	}
	if r.IntervalMs != nil {
		spec.IntervalMs = *r.IntervalMs
	} else {
		spec.IntervalMs = 250
	}

	if err := spec.Validate(); err != nil && spec.TimeoutMs != 0 {
		return nil, err
	}
	return spec, nil
}

type processSpecParam struct {
	Name      string            `json:"name"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
	Role      string            `json:"role"`
	Tags      []string          `json:"tags"`
	Singleton bool              `json:"singleton"`
	Readiness *readinessParam   `json:"readiness"`
}

func (p *processSpecParam) toSpec() (config.ProcessSpec, error) {
	readiness, err := p.Readiness.toSpec()
	if err != nil {
		return config.ProcessSpec{}, err
	}
	return config.ProcessSpec{
		Name: p.Name, Command: p.Command, Args: p.Args, Cwd: p.Cwd,
		Env: p.Env, Role: p.Role, Tags: p.Tags, Singleton: p.Singleton,
		Readiness: readiness,
	}, nil
}

type refParam struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (r refParam) ref() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	err := json.Unmarshal(params, &v)
	return v, err
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "start-process":
		p, err := decode[processSpecParam](params)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		spec, err := p.toSpec()
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		res, err := s.agent.StartProcess(ctx, spec)
		if err != nil {
			return nil, errorOf(err)
		}
		return res, nil

	case "start-task":
		p, err := decode[struct {
			TaskName      string `json:"taskName"`
			WorkspaceRoot string `json:"workspaceRoot"`
		}](params)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		res, err := s.agent.StartTask(ctx, p.TaskName, p.WorkspaceRoot)
		if err != nil {
			return nil, errorOf(err)
		}
		return res, nil

	case "stop-process":
		p, err := decode[struct {
			refParam
			Force   bool `json:"force"`
			GraceMs *int `json:"graceMs"`
		}](params)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		grace := 5000
		if p.GraceMs != nil {
			grace = *p.GraceMs
		}
		res, err := s.agent.StopProcess(ctx, p.ref(), p.Force, grace)
		if err != nil {
			return nil, errorOf(err)
		}
		return res, nil

	case "restart-process":
		p, err := decode[refParam](params)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		res, err := s.agent.RestartProcess(ctx, p.ref())
		if err != nil {
			return nil, errorOf(err)
		}
		return res, nil

	case "list-processes":
		p, err := decode[struct {
			Role  string `json:"role"`
			Tag   string `json:"tag"`
			State string `json:"state"`
		}](params)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		return s.agent.ListProcesses(p.Role, p.Tag, p.State), nil

	case "get-process-status":
		p, err := decode[refParam](params)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		return s.agent.GetProcessStatus(p.ref()), nil

	case "start-test-run":
		p, err := decode[struct {
			ID           string            `json:"id"`
			Backend      *processSpecParam `json:"backend"`
			Frontend     *processSpecParam `json:"frontend"`
			Tests        processSpecParam  `json:"tests"`
			AutoStop     bool              `json:"autoStop"`
			KeepBackends bool              `json:"keepBackends"`
		}](params)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		spec := testrun.Spec{ID: p.ID, AutoStop: p.AutoStop, KeepBackends: p.KeepBackends}
		if p.Backend != nil {
			backend, err := p.Backend.toSpec()
			if err != nil {
				return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
			}
			spec.Backend = &backend
		}
		if p.Frontend != nil {
			frontend, err := p.Frontend.toSpec()
			if err != nil {
				return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
			}
			spec.Frontend = &frontend
		}
		tests, err := p.Tests.toSpec()
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		spec.Tests = tests

		res, err := s.agent.StartTestRun(ctx, spec)
		if err != nil {
			return nil, errorOf(err)
		}
		return res, nil

	case "get-test-run-status":
		p, err := decode[struct {
			ID string `json:"id"`
		}](params)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		res, err := s.agent.GetTestRunStatus(p.ID)
		if err != nil {
			return nil, errorOf(err)
		}
		return res, nil

	case "abort-test-run":
		p, err := decode[struct {
			ID           string `json:"id"`
			KeepBackends *bool  `json:"keepBackends"`
		}](params)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		res, err := s.agent.AbortTestRun(ctx, p.ID, p.KeepBackends)
		if err != nil {
			return nil, errorOf(err)
		}
		return res, nil

	case "list-test-runs":
		return s.agent.ListTestRuns(), nil

	case "configure-recovery":
		p, err := decode[struct {
			Target   string `json:"target"`
			Strategy struct {
				Name        string             `json:"name"`
				Target      string             `json:"target"`
				Conditions  []config.Condition `json:"conditions"`
				Actions     []config.Action    `json:"actions"`
				MaxAttempts int                `json:"maxAttempts"`
				CooldownMs  int                `json:"cooldownMs"`
				Enabled     *bool              `json:"enabled"` // absent means enabled
			} `json:"strategy"`
		}](params)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		strategy := config.RecoveryStrategy{
			Name: p.Strategy.Name, Target: p.Strategy.Target,
			Conditions: p.Strategy.Conditions, Actions: p.Strategy.Actions,
			MaxAttempts: p.Strategy.MaxAttempts, CooldownMs: p.Strategy.CooldownMs,
			Enabled: p.Strategy.Enabled == nil || *p.Strategy.Enabled,
		}
		if strategy.Target == "" {
			strategy.Target = p.Target
		}
		res, err := s.agent.ConfigureRecovery(strategy)
		if err != nil {
			return nil, errorOf(err)
		}
		return res, nil

	case "get-health-summary":
		return s.agent.GetHealthSummary(), nil

	case "query-events":
		p, err := decode[struct {
			Category    string `json:"category"`
			MinSeverity string `json:"minSeverity"`
			Substring   string `json:"q"`
			Limit       int    `json:"limit"`
		}](params)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		return s.agent.StatusEvents(p.Category, p.MinSeverity, p.Substring, p.Limit), nil

	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
}
