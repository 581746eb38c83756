package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"riskgate/pkg/attempt"
	"riskgate/pkg/engine"
	"riskgate/pkg/structlog"
	"riskgate/pkg/telemetry"
	"riskgate/pkg/trust"
)

type apiServer struct {
	engine *engine.Engine
	logger *structlog.Logger
}

func newAPIServer(eng *engine.Engine, logger *structlog.Logger) *apiServer {
	return &apiServer{engine: eng, logger: logger}
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("/riskgate/telemetry", s.handleTelemetry)
	mux.HandleFunc("/riskgate/signal", s.handleSignal)
	mux.HandleFunc("/riskgate/assess", s.handleAssess)
	mux.HandleFunc("/riskgate/attempt", s.handleAttempt)
	mux.HandleFunc("/riskgate/trust", s.handleTrust)
	mux.HandleFunc("/riskgate/verify", s.handleVerify)
	mux.HandleFunc("/riskgate/complexity", s.handleComplexity)
	mux.HandleFunc("/riskgate/history", s.handleHistory)
	mux.HandleFunc("/riskgate/anomalies", s.handleAnomalies)
	mux.HandleFunc("/riskgate/logout", s.handleLogout)
	mux.HandleFunc("/riskgate/reset", s.handleReset)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", structlog.Fields{"error": err.Error()})
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func subjectParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("subject_id")
	if id == "" {
		http.Error(w, "subject_id required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

type telemetryRequest struct {
	SubjectID  string                      `json:"subject_id"`
	Device     *telemetry.DeviceInfo       `json:"device,omitempty"`
	IP         string                      `json:"ip,omitempty"`
	Keystrokes []telemetry.KeystrokeEvent  `json:"keystrokes,omitempty"`
	Pointer    []telemetry.PointerEvent    `json:"pointer,omitempty"`
	Connection *telemetry.ConnectionMetrics `json:"connection,omitempty"`
}

func (s *apiServer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req telemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SubjectID == "" {
		s.writeError(w, http.StatusBadRequest, "subject_id required")
		return
	}

	snap, err := s.engine.SubmitTelemetry(r.Context(), telemetry.CollectRequest{
		SubjectID:  req.SubjectID,
		Device:     req.Device,
		IP:         req.IP,
		Keystrokes: req.Keystrokes,
		Pointer:    req.Pointer,
	})
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if req.Connection != nil {
		s.engine.RecordConnection(req.SubjectID, *req.Connection)
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "collected",
		"samples": len(snap.Samples),
	})
}

type signalRequest struct {
	SubjectID  string   `json:"subject_id"`
	Category   string   `json:"category"`
	Signatures []string `json:"signatures"`
	LatencyMs  float64  `json:"latency_ms"`
}

func (s *apiServer) handleSignal(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SubjectID == "" || req.Category == "" {
		s.writeError(w, http.StatusBadRequest, "subject_id and category required")
		return
	}

	latency := time.Duration(req.LatencyMs * float64(time.Millisecond))
	anomalies, err := s.engine.ObserveSignal(req.SubjectID, req.Category, req.Signatures, latency)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

func (s *apiServer) handleAssess(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		SubjectID string `json:"subject_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SubjectID == "" {
		s.writeError(w, http.StatusBadRequest, "subject_id required")
		return
	}

	asmt, err := s.engine.Assess(r.Context(), req.SubjectID)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, asmt)
}

type attemptRequest struct {
	SubjectID string `json:"subject_id"`
	Category  string `json:"category"`
	Success   bool   `json:"success"`
}

func (s *apiServer) handleAttempt(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req attemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SubjectID == "" {
		s.writeError(w, http.StatusBadRequest, "subject_id required")
		return
	}
	if req.Category == "" {
		req.Category = "login"
	}

	err := s.engine.RecordAttempt(r.Context(), req.SubjectID, req.Category, req.Success)
	var blocked *attempt.BlockedError
	if errors.As(err, &blocked) {
		w.Header().Set("Retry-After", strconv.Itoa(int(blocked.RetryAfter.Seconds())))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"blocked":       true,
			"retry_after_s": int(blocked.RetryAfter.Seconds()),
		})
		return
	}
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	complexity, err := s.engine.RequiredComplexity(r.Context(), req.SubjectID)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"blocked":    false,
		"complexity": complexity,
	})
}

type trustRequest struct {
	SubjectID        string               `json:"subject_id"`
	DeviceID         string               `json:"device_id"`
	Device           *telemetry.DeviceInfo `json:"device,omitempty"`
	Location         *telemetry.GeoPoint   `json:"location,omitempty"`
	PlatformSecure   bool                 `json:"platform_secure"`
	EmulatorDetected bool                 `json:"emulator_detected"`
	DebuggerDetected bool                 `json:"debugger_detected"`
}

func (s *apiServer) handleTrust(w http.ResponseWriter, r *http.Request) {
	// GET with query params for quick checks, POST with probe payload.
	var req trustRequest
	switch r.Method {
	case http.MethodGet:
		id, ok := subjectParam(w, r)
		if !ok {
			return
		}
		req.SubjectID = id
		req.DeviceID = r.URL.Query().Get("device_id")
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.SubjectID == "" {
			s.writeError(w, http.StatusBadRequest, "subject_id required")
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	score, err := s.engine.Trust(req.SubjectID, trust.Input{
		DeviceID:         req.DeviceID,
		Device:           req.Device,
		Location:         req.Location,
		PlatformSecure:   req.PlatformSecure,
		EmulatorDetected: req.EmulatorDetected,
		DebuggerDetected: req.DebuggerDetected,
	})
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, score)
}

type verifyRequest struct {
	SubjectID  string                     `json:"subject_id"`
	Keystrokes []telemetry.KeystrokeEvent `json:"keystrokes,omitempty"`
	Pointer    []telemetry.PointerEvent   `json:"pointer,omitempty"`
}

func (s *apiServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SubjectID == "" {
		s.writeError(w, http.StatusBadRequest, "subject_id required")
		return
	}

	score, verified, err := s.engine.VerifyBehavior(req.SubjectID, req.Keystrokes, req.Pointer)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"verified": verified,
		"score":    score,
	})
}

func (s *apiServer) handleComplexity(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	complexity, err := s.engine.RequiredComplexity(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"complexity": complexity})
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"assessments": s.engine.History(r.Context(), id, limit),
		"summary":     s.engine.Summary(id),
	})
}

func (s *apiServer) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	id, ok := subjectParam(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"anomalies": s.engine.Anomalies(id)})
}

func (s *apiServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		SubjectID string `json:"subject_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SubjectID == "" {
		s.writeError(w, http.StatusBadRequest, "subject_id required")
		return
	}
	s.engine.Logout(req.SubjectID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *apiServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		SubjectID string `json:"subject_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SubjectID == "" {
		s.writeError(w, http.StatusBadRequest, "subject_id required")
		return
	}
	if err := s.engine.ResetSubject(r.Context(), req.SubjectID); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
