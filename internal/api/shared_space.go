package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/sharedspace/internal/comparability"
	"github.com/MrWong99/sharedspace/internal/observe"
)

// sharedSpaceRequest is the body of POST /api/shared-space.
type sharedSpaceRequest struct {
	TextA string `json:"textA"`
	TextB string `json:"textB"`
}

// Pipeline outcomes recorded on [observe.Metrics.PipelineDuration].
const (
	statusOK       = "ok"
	statusInvalid  = "invalid"
	statusUpstream = "upstream"
	statusTimeout  = "timeout"
	statusError    = "error"
)

// handleSharedSpace runs one comparability analysis.
func (s *Server) handleSharedSpace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	var req sharedSpaceRequest
	if status, err := decodeBody(w, r, &req); err != nil {
		s.metrics.RecordPipelineRun(ctx, 0, statusInvalid)
		writeError(w, status, err.Error())
		return
	}

	start := time.Now()
	report, err := s.analyzer.Load().Run(ctx, req.TextA, req.TextB)
	elapsed := time.Since(start)
	if err != nil {
		status, outcome, msg := classify(err)
		s.metrics.RecordPipelineRun(ctx, elapsed, outcome)
		if status >= http.StatusInternalServerError {
			log.Warn("shared-space analysis failed", "status", status, "err", err)
		}
		writeError(w, status, msg)
		return
	}

	s.metrics.RecordPipelineRun(ctx, elapsed, statusOK)
	log.Info("shared-space analysis complete",
		"report_id", report.ID,
		"tokens", report.Usage.TotalTokens,
		"duration", elapsed,
	)
	writeJSON(w, http.StatusOK, report)
}

// classify maps a pipeline error to an HTTP status, a metrics outcome and the
// message returned to the client.
func classify(err error) (status int, outcome, msg string) {
	var valErr *comparability.ValidationError
	if errors.As(err, &valErr) {
		return http.StatusBadRequest, statusInvalid, valErr.Error()
	}

	var upErr *comparability.UpstreamError
	if errors.As(err, &upErr) {
		if upErr.Timeout() {
			return http.StatusGatewayTimeout, statusTimeout, "embedding provider timed out"
		}
		return http.StatusBadGateway, statusUpstream, upErr.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, statusTimeout, "analysis timed out"
	}
	return http.StatusInternalServerError, statusError, "internal error"
}
