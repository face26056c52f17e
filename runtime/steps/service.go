package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"goa.design/clue/log"

	"goa.design/flow/jsonval"
	"goa.design/flow/template"
	"goa.design/flow/workflow"
)

// maxCapturedResponseBytes bounds the response body stored in step output.
const maxCapturedResponseBytes = 8192

// defaultServiceTimeout applies when a service step declares no timeout.
const defaultServiceTimeout = 30 * time.Second

// preparedRequest is a fully resolved service invocation plus its sanitized
// header view for persistence.
type preparedRequest struct {
	inv       workflow.ServiceInvocation
	sanitized map[string]string
	timeout   time.Duration
}

// executeService drives a service step: availability gating, request
// preparation with secret resolution, the bounded in-loop attempt cycle and
// response capture.
func (e *Executor) executeService(ctx context.Context, in Input) (*Result, error) {
	rec, err := e.loadOrCreateRecord(ctx, in)
	if err != nil {
		return nil, err
	}
	if rec.Status == workflow.StepSucceeded {
		return e.hydrateSucceeded(in, rec, in.Step.StoreResponseAs), nil
	}
	if res, done, err := e.applyRetryGates(ctx, in, rec); done || err != nil {
		return res, err
	}

	resolved, tr := e.resolveParameters(in)
	if tr.HasIssues() {
		return e.failParameterResolution(ctx, in, rec, tr)
	}

	rec, err = e.startAttempt(ctx, in, rec, resolved)
	if err != nil {
		return nil, err
	}

	if e.services == nil {
		return e.finalizeFailure(ctx, in, rec, fmt.Sprintf("No service registry configured for step %s", in.Step.ID), "service_unavailable")
	}
	svc, err := e.services.GetServiceBySlug(ctx, in.Step.ServiceSlug)
	if err != nil {
		return e.finalizeFailure(ctx, in, rec, fmt.Sprintf("Failed to resolve service %s: %s", in.Step.ServiceSlug, err), "service_unavailable")
	}
	if svc == nil {
		return e.finalizeFailure(ctx, in, rec, fmt.Sprintf("Service %s not found in registry", in.Step.ServiceSlug), "service_unavailable")
	}
	if msg, ok := availabilityGate(in.Step, svc); !ok {
		return e.finalizeFailure(ctx, in, rec, msg, "service_unavailable")
	}

	scope := e.scope(in, resolved)
	prepared, reqTr, err := e.prepareRequest(ctx, in, scope)
	if err != nil {
		return e.finalizeFailure(ctx, in, rec, fmt.Sprintf("Failed to prepare service request: %s", err), "service_request_invalid")
	}
	if reqTr.HasIssues() {
		return e.failParameterResolution(ctx, in, rec, reqTr)
	}

	e.persistRequestContext(ctx, in, rec, prepared)

	return e.attemptLoop(ctx, in, rec, svc, prepared)
}

// availabilityGate applies the health policy: healthy always passes,
// degraded and unknown pass only when the step opts out of strict health and
// opts into degraded traffic, unreachable never passes.
func availabilityGate(step *workflow.StepDef, svc *workflow.Service) (string, bool) {
	requireHealthy := step.RequireHealthy == nil || *step.RequireHealthy
	allowDegraded := step.AllowDegraded != nil && *step.AllowDegraded
	switch svc.Status {
	case workflow.ServiceHealthy:
		return "", true
	case workflow.ServiceDegraded, workflow.ServiceUnknown:
		if !requireHealthy && allowDegraded {
			return "", true
		}
		return fmt.Sprintf("Service %s is %s and the step requires a healthy service", svc.Slug, svc.Status), false
	default:
		return fmt.Sprintf("Service %s is unreachable", svc.Slug), false
	}
}

// prepareRequest resolves the request template: method defaulting, path and
// query templates, header templates with secret resolution, JSON body.
func (e *Executor) prepareRequest(ctx context.Context, in Input, scope *template.Scope) (*preparedRequest, *template.Tracker, error) {
	req := in.Step.Request
	if req == nil {
		return nil, nil, fmt.Errorf("service step %s has no request", in.Step.ID)
	}
	var tr template.Tracker

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		if req.Body != nil {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}

	path := jsonval.Stringify(template.ResolveString(req.Path, scope, &tr))
	if path == "" {
		path = req.Path
	}

	if len(req.Query) > 0 {
		values := url.Values{}
		for k, v := range req.Query {
			resolved := template.Resolve(v, scope, &tr)
			values.Set(k, jsonval.Stringify(resolved))
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + values.Encode()
	}

	headers := http.Header{}
	sanitized := make(map[string]string, len(req.Headers))
	for name, raw := range req.Headers {
		switch val := raw.(type) {
		case string:
			resolved := jsonval.Stringify(template.Resolve(val, scope, &tr))
			headers.Set(name, resolved)
			sanitized[name] = resolved
		case map[string]any:
			value, masked, err := e.resolveSecretHeader(ctx, in, val)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve secret header %s: %w", name, err)
			}
			headers.Set(name, value)
			sanitized[name] = masked
		default:
			resolved := jsonval.Stringify(template.Resolve(val, scope, &tr))
			headers.Set(name, resolved)
			sanitized[name] = resolved
		}
	}

	var body []byte
	if req.Body != nil && method != http.MethodGet && method != http.MethodHead {
		resolved := template.Resolve(req.Body, scope, &tr)
		raw, err := json.Marshal(resolved)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request body: %w", err)
		}
		body = raw
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/json")
		}
	}

	timeout := defaultServiceTimeout
	if in.Step.TimeoutMs != nil && *in.Step.TimeoutMs > 0 {
		timeout = time.Duration(*in.Step.TimeoutMs) * time.Millisecond
	}

	return &preparedRequest{
		inv: workflow.ServiceInvocation{
			Method:  method,
			Path:    path,
			Headers: headers,
			Body:    body,
		},
		sanitized: sanitized,
		timeout:   timeout,
	}, &tr, nil
}

// resolveSecretHeader resolves a {"secret": {...}, "prefix": "..."} header
// value, returning the live value and the masked form for persistence.
func (e *Executor) resolveSecretHeader(ctx context.Context, in Input, spec map[string]any) (string, string, error) {
	if e.secrets == nil {
		return "", "", fmt.Errorf("no secret store configured")
	}
	rawRef, ok := spec["secret"]
	if !ok {
		return "", "", fmt.Errorf("header object has no secret reference")
	}
	encoded, err := json.Marshal(rawRef)
	if err != nil {
		return "", "", err
	}
	var ref workflow.SecretRef
	if err := json.Unmarshal(encoded, &ref); err != nil {
		return "", "", err
	}
	prefix, _ := spec["prefix"].(string)
	value, err := e.secrets.Resolve(ctx, ref, workflow.SecretAccess{
		Actor:     in.Run.ID,
		ActorType: "workflow-run",
		Metadata:  map[string]string{"stepId": in.Step.ID},
	})
	if err != nil {
		return "", "", err
	}
	return prefix + value, prefix + e.secrets.Mask(value), nil
}

// persistRequestContext stores the sanitized request shape on the step
// record so operators can inspect what was sent without seeing secrets.
func (e *Executor) persistRequestContext(ctx context.Context, in Input, rec *workflow.RunStep, prepared *preparedRequest) {
	var stepCtx any = map[string]any{
		"request": map[string]any{
			"method":  prepared.inv.Method,
			"path":    prepared.inv.Path,
			"headers": jsonval.Normalize(prepared.sanitized),
		},
	}
	if _, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{Context: &stepCtx}); err != nil {
		log.Errorf(ctx, err, "persist request context for step %s", in.Step.ID)
	}
}

// attemptLoop performs the bounded in-loop invocation cycle, applying the
// policy backoff between attempts. Exhaustion delegates to the workflow-level
// retry budget.
func (e *Executor) attemptLoop(ctx context.Context, in Input, rec *workflow.RunStep, svc *workflow.Service, prepared *preparedRequest) (*Result, error) {
	maxAttempts := workflow.MaxAttemptsFor(in.Step.RetryPolicy)
	attempt := rec.Attempt
	var lastErr string

	for {
		if attempt != rec.Attempt {
			now := e.now().UTC()
			updated, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{
				Attempt:         &attempt,
				LastHeartbeatAt: ptrTime(now),
			})
			if err != nil {
				return nil, err
			}
			rec = updated
			entry := in.Context.Step(in.Step.ID)
			entry.Attempt = attempt
			in.Context.SetStep(in.Step.ID, entry)
		}

		result, metrics, errMsg := e.invokeOnce(ctx, in, svc, prepared, attempt)
		if errMsg == "" {
			produced, err := e.assets.PersistProducedAssets(ctx, in.Run, in.Step, rec, result)
			if err != nil {
				lastErr = fmt.Sprintf("Failed to persist produced assets: %s", err)
				return e.finalizeFailure(ctx, in, rec, lastErr, "asset_persistence_failed")
			}
			var metricsVal any = metrics
			if _, err := e.repo.UpdateRunStep(ctx, rec.ID, workflow.RunStepPatch{Metrics: &metricsVal}); err != nil {
				log.Errorf(ctx, err, "persist service metrics for step %s", in.Step.ID)
			}
			entry := in.Context.Step(in.Step.ID)
			entry.Metrics = metricsVal
			in.Context.SetStep(in.Step.ID, entry)
			return e.completeSuccess(ctx, in, rec, result, in.Step.StoreResponseAs, produced)
		}

		lastErr = errMsg
		log.Printf(ctx, "service step %s attempt %d failed: %s", in.Step.ID, attempt, errMsg)

		next := attempt + 1
		if maxAttempts != 0 && next > maxAttempts {
			break
		}
		delay := workflow.CalculateRetryDelay(next, in.Step.RetryPolicy)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempt = next
	}

	return e.finalizeFailure(ctx, in, rec, lastErr, "service_request_failed")
}

// invokeOnce performs one HTTP invocation and captures the response. It
// returns the captured result, the invocation metrics under the "service"
// key and an error message (empty on success).
func (e *Executor) invokeOnce(ctx context.Context, in Input, svc *workflow.Service, prepared *preparedRequest, attempt int) (any, map[string]any, string) {
	tctx, cancel := context.WithTimeout(ctx, prepared.timeout)
	defer cancel()

	start := e.now()
	resp, err := e.services.Fetch(tctx, svc, prepared.inv)
	latencyMs := e.now().Sub(start).Milliseconds()

	entry := in.Context.Step(in.Step.ID)
	runtime := &workflow.ServiceRuntime{
		Slug:      svc.Slug,
		Status:    string(svc.Status),
		Method:    prepared.inv.Method,
		Path:      prepared.inv.Path,
		BaseURL:   svc.BaseURL,
		LatencyMs: &latencyMs,
	}
	entry.Service = runtime
	in.Context.SetStep(in.Step.ID, entry)

	svcMetrics := map[string]any{
		"slug":      svc.Slug,
		"status":    string(svc.Status),
		"attempt":   float64(attempt),
		"baseUrl":   svc.BaseURL,
		"latencyMs": float64(latencyMs),
	}
	metrics := map[string]any{"service": svcMetrics}

	if err != nil {
		return nil, metrics, fmt.Sprintf("Service request to %s failed: %s", svc.Slug, err)
	}
	defer resp.Body.Close()
	code := resp.StatusCode
	runtime.StatusCode = &code

	capture := in.Step.CaptureResponse == nil || *in.Step.CaptureResponse
	result, sizeBytes, truncated := captureBody(resp, capture)

	svcMetrics["statusCode"] = float64(code)
	svcMetrics["responseSizeBytes"] = float64(sizeBytes)
	svcMetrics["truncated"] = truncated

	if code < 200 || code > 299 {
		return nil, metrics, fmt.Sprintf("Service %s responded %d", svc.Slug, code)
	}
	return result, metrics, ""
}

// captureBody reads and decodes the response body: JSON when the content
// type says so, text otherwise, truncated to the capture limit. With capture
// disabled the body is drained and discarded.
func captureBody(resp *http.Response, capture bool) (any, int, bool) {
	if !capture {
		n, _ := io.Copy(io.Discard, resp.Body)
		return nil, int(n), false
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, len(raw), false
	}
	size := len(raw)
	if size > maxCapturedResponseBytes {
		// The capture limit applies regardless of content type; a truncated
		// JSON body is kept as text.
		return string(raw[:maxCapturedResponseBytes]), size, true
	}
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			return jsonval.Normalize(v), size, false
		}
	}
	return string(raw), size, false
}
