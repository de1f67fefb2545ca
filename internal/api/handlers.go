package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nimbusgpu/nimbus-control-plane/internal/auth"
	"github.com/nimbusgpu/nimbus-control-plane/internal/config"
	"github.com/nimbusgpu/nimbus-control-plane/internal/gpu"
	"github.com/nimbusgpu/nimbus-control-plane/internal/lifecycle"
	"github.com/nimbusgpu/nimbus-control-plane/internal/metrics"
	"github.com/nimbusgpu/nimbus-control-plane/internal/model"
	"github.com/nimbusgpu/nimbus-control-plane/internal/registry"
)

type createSessionRequest struct {
	RegionPreference string `json:"region_preference"`
}

// transitionRequest carries the caller's optimistic-concurrency token. A
// missing expected_version means last-writer-wins.
type transitionRequest struct {
	ExpectedVersion *int64 `json:"expected_version"`
}

type agentProvisionedRequest struct {
	InstanceID   string `json:"instance_id"`
	InstanceType string `json:"instance_type"`
	ImageID      string `json:"image_id"`
	Failure      string `json:"failure"`
}

type agentHeartbeatRequest struct {
	FailureSignal string `json:"failure_signal"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
			return
		}
	}
	region := s.resolveRegion(req.RegionPreference)

	sess, err := s.registry.CreateSession(r.Context(), userID, region)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}

	sess, err = s.registry.AttemptTransition(r.Context(), sess.ID, sess.Version, model.SessionProvisioning)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.provisions.Add(1)
	go func() {
		defer s.provisions.Done()
		s.provisionAsync(sess)
	}()

	writeJSON(w, http.StatusCreated, map[string]any{"session": toSessionResponse(sess)})
}

// provisionAsync acquires capacity off the request path and reports the
// outcome through the same transition entry point the user actions use.
func (s *Server) provisionAsync(sess *model.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	start := time.Now()
	res, err := s.provisioner.Provision(ctx, gpu.ProvisionRequest{
		SessionID: sess.ID,
		OwnerID:   sess.OwnerID,
		Region:    sess.Region,
	})
	durMS := float64(time.Since(start).Milliseconds())
	labels := map[string]string{"provider": s.cfg.GPUProvider, "region": sess.Region}
	if err != nil {
		labels["status"] = "error"
		metrics.Default().IncCounter("nimbus_provision_total", labels)
		metrics.Default().ObserveHistogram("nimbus_provision_latency_ms", durMS, labels)
		s.logger.Error().Err(err).
			Str("session_id", sess.ID).
			Str("region", sess.Region).
			Msg("provisioning failed")
		if _, terr := s.registry.AttemptTransition(ctx, sess.ID, registry.AnyVersion,
			model.SessionError, registry.WithFailureSignal(err.Error())); terr != nil {
			s.logger.Error().Err(terr).Str("session_id", sess.ID).Msg("failed to record provisioning error")
		}
		return
	}
	labels["status"] = "ok"
	metrics.Default().IncCounter("nimbus_provision_total", labels)
	metrics.Default().ObserveHistogram("nimbus_provision_latency_ms", durMS, labels)

	_, err = s.registry.AttemptTransition(ctx, sess.ID, registry.AnyVersion,
		model.SessionReady, registry.WithInstance(res.InstanceID, res.InstanceType))
	if err != nil {
		// The session moved on while we were launching. Give the capacity
		// back rather than leaking it.
		s.logger.Warn().Err(err).
			Str("session_id", sess.ID).
			Str("instance_id", res.InstanceID).
			Msg("session no longer provisionable; releasing instance")
		if relErr := s.provisioner.Release(ctx, gpu.ReleaseRequest{
			SessionID:  sess.ID,
			OwnerID:    sess.OwnerID,
			Region:     sess.Region,
			InstanceID: res.InstanceID,
		}); relErr != nil {
			s.logger.Error().Err(relErr).
				Str("session_id", sess.ID).
				Str("instance_id", res.InstanceID).
				Msg("compensating release failed")
		}
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	sessions, err := s.registry.ListByOwner(r.Context(), userID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions")
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.handleUserTransition(w, r, model.SessionActive)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleUserTransition(w, r, model.SessionPaused)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleUserTransition(w, r, model.SessionActive)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	// Distinct from illegal_transition: terminated may be table-legal here
	// (the reaper path uses it), but the owner is not allowed to take it,
	// so advertising it as a legal target would mislead the caller.
	if !lifecycle.IsUserStoppable(sess.State) {
		writeAPIError(w, http.StatusConflict, "not_stoppable",
			"session in state "+string(sess.State)+" cannot be stopped by its owner")
		return
	}

	expected, ok := decodeExpectedVersion(w, r)
	if !ok {
		return
	}
	next, err := s.registry.AttemptTransition(r.Context(), sess.ID, expected, model.SessionTerminated)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(next)})
}

func (s *Server) handleUserTransition(w http.ResponseWriter, r *http.Request, to model.SessionState) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	expected, ok := decodeExpectedVersion(w, r)
	if !ok {
		return
	}
	next, err := s.registry.AttemptTransition(r.Context(), sess.ID, expected, to)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(next)})
}

func (s *Server) handleAgentProvisioned(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req agentProvisionedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	var (
		next *model.Session
		err  error
	)
	if req.Failure != "" {
		next, err = s.registry.AttemptTransition(r.Context(), sessionID, registry.AnyVersion,
			model.SessionError, registry.WithFailureSignal(req.Failure))
	} else {
		if req.InstanceID == "" {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "instance_id is required")
			return
		}
		next, err = s.registry.AttemptTransition(r.Context(), sessionID, registry.AnyVersion,
			model.SessionReady, registry.WithInstance(req.InstanceID, req.InstanceType))
	}
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(next)})
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req agentHeartbeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
			return
		}
	}
	if err := s.registry.RecordHeartbeat(r.Context(), sessionID, req.FailureSignal); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ownedSession loads the session on the URL and hides other owners' sessions
// behind 404.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return nil, false
	}
	sess, err := s.registry.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeRegistryError(w, err)
		return nil, false
	}
	if sess.OwnerID != userID {
		writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
		return nil, false
	}
	return sess, true
}

func decodeExpectedVersion(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if r.Body == nil || r.ContentLength == 0 {
		return registry.AnyVersion, true
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return 0, false
	}
	if req.ExpectedVersion == nil {
		return registry.AnyVersion, true
	}
	if *req.ExpectedVersion < 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "expected_version must be non-negative")
		return 0, false
	}
	return *req.ExpectedVersion, true
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	var illegal *registry.IllegalTransitionError
	var stale *registry.StaleVersionError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.As(err, &illegal):
		writeIllegal(w, illegal)
	case errors.As(err, &stale):
		var payload apiError
		payload.Error.Code = "stale_version"
		payload.Error.Message = err.Error()
		current := stale.Current
		payload.Error.CurrentVersion = &current
		writeJSON(w, http.StatusConflict, payload)
	default:
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "session operation failed")
	}
}

func writeIllegal(w http.ResponseWriter, illegal *registry.IllegalTransitionError) {
	var payload apiError
	payload.Error.Code = "illegal_transition"
	payload.Error.Message = illegal.Error()
	payload.Error.LegalTargets = make([]string, 0, len(illegal.LegalTargets))
	for _, st := range illegal.LegalTargets {
		payload.Error.LegalTargets = append(payload.Error.LegalTargets, string(st))
	}
	writeJSON(w, http.StatusConflict, payload)
}

// handleManifest lists the launchable GPU image per supported region.
func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	manifest := buildManifestEntries(s.cfg)
	if len(manifest) == 0 {
		writeAPIError(w, http.StatusServiceUnavailable, "manifest_unavailable", "gpu manifest is not configured")
		return
	}
	type regionDef struct {
		Region              string `json:"region"`
		ImageID             string `json:"image_id"`
		DefaultInstanceType string `json:"default_instance_type"`
	}
	regions := make([]regionDef, 0, len(manifest))
	for _, entry := range manifest {
		regions = append(regions, regionDef{
			Region:              entry.Region,
			ImageID:             entry.ImageID,
			DefaultInstanceType: entry.DefaultInstanceType,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": regions})
}

func buildManifestEntries(cfg config.Config) []model.GPUManifestEntry {
	entries := make([]model.GPUManifestEntry, 0, len(cfg.SupportedRegions))
	for _, region := range cfg.SupportedRegions {
		image := cfg.AWSAMIMap[region]
		if image == "" && cfg.GPUProvider == "fake" {
			image = "ami-placeholder-" + region
		}
		if image == "" {
			continue
		}
		entries = append(entries, model.GPUManifestEntry{
			Region:              region,
			ImageID:             image,
			DefaultInstanceType: cfg.AWSInstanceType,
		})
	}
	return entries
}

func (s *Server) resolveRegion(pref string) string {
	if pref == "" || pref == "auto" {
		return s.cfg.DefaultRegion
	}
	if slices.Contains(s.cfg.SupportedRegions, pref) {
		return pref
	}
	return s.cfg.DefaultRegion
}

func toSessionResponse(sess *model.Session) map[string]any {
	resp := map[string]any{
		"session_id":         sess.ID,
		"owner_id":           sess.OwnerID,
		"state":              string(sess.State),
		"version":            sess.Version,
		"region":             sess.Region,
		"created_at":         sess.CreatedAt.UTC().Format(time.RFC3339),
		"last_transition_at": sess.LastTransitionAt.UTC().Format(time.RFC3339),
	}
	if sess.GPUInstanceID != "" {
		resp["gpu"] = map[string]any{
			"instance_id":   sess.GPUInstanceID,
			"instance_type": sess.GPUInstanceType,
		}
	}
	if sess.LastHeartbeatAt != nil {
		resp["last_heartbeat_at"] = sess.LastHeartbeatAt.UTC().Format(time.RFC3339)
	}
	if sess.BillableSince != nil {
		resp["billable_since"] = sess.BillableSince.UTC().Format(time.RFC3339)
	}
	if sess.FailureSignal != "" {
		resp["failure_signal"] = sess.FailureSignal
	}
	return resp
}
