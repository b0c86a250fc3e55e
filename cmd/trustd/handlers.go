package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qshield/pkg/certificate"
	"qshield/pkg/envelope"
	"qshield/pkg/evidence"
	"qshield/pkg/hashchain"
	"qshield/pkg/httpx"
	"qshield/pkg/models"
	"qshield/pkg/risk"
	"qshield/pkg/zone"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type verifyChainRequest struct {
	Records   []models.EvidenceRecord `json:"records"`
	ClientKey string                  `json:"clientKey"`
}

func (s *Server) verifyChain(w http.ResponseWriter, r *http.Request) {
	var req verifyChainRequest
	if err := httpx.DecodeJSON(w, r, s.Cfg.MaxRequestBodySize, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	key := req.ClientKey
	if key == "" {
		key = s.Cfg.EvidenceClientKey
	}
	if key == "" {
		httpx.Error(w, http.StatusBadRequest, "clientKey required")
		return
	}
	started := time.Now()
	res := s.Verifier.VerifyChain(req.Records, key)
	s.Metrics.ObserveVerification(res.Valid, time.Since(started))
	if err := s.markVerified(r.Context(), req.Records, res.VerifiedIDs, key); err != nil {
		log.Warn().Err(err).Msg("evidence_mark_verified_failed")
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// markVerified flags the stored copies of records the verifier accepted. A
// stored record is only flagged when it carries the submitted hash and still
// recomputes to it under key.
func (s *Server) markVerified(ctx context.Context, submitted []models.EvidenceRecord, verified []string, key string) error {
	if len(verified) == 0 {
		return nil
	}
	ok := make(map[string]struct{}, len(verified))
	for _, id := range verified {
		ok[id] = struct{}{}
	}
	want := make(map[string]string, len(verified))
	sessions := map[string]struct{}{}
	for _, rec := range submitted {
		if _, accepted := ok[rec.ID]; accepted {
			want[rec.ID] = rec.Hash
			sessions[rec.SessionID] = struct{}{}
		}
	}
	var ids []string
	for sid := range sessions {
		stored, err := s.Evidence.List(ctx, sid)
		if err != nil {
			return fmt.Errorf("list %s: %w", sid, err)
		}
		for _, rec := range stored {
			hash, accepted := want[rec.ID]
			if !accepted || rec.Verified || rec.Hash != hash {
				continue
			}
			if hashchain.Equal(evidence.ComputeHash(key, rec), rec.Hash) {
				ids = append(ids, rec.ID)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return s.Evidence.MarkVerified(ctx, ids)
}

// appendEvidence stores a record hashed by an adapter as is. Records without
// a hash are linked and hashed here, which needs EVIDENCE_CLIENT_KEY.
func (s *Server) appendEvidence(w http.ResponseWriter, r *http.Request) {
	var rec models.EvidenceRecord
	if err := httpx.DecodeJSON(w, r, s.Cfg.MaxRequestBodySize, &rec); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if rec.Hash == "" {
		if s.Chain == nil {
			httpx.Error(w, http.StatusBadRequest, "hash required")
			return
		}
		if strings.TrimSpace(rec.SessionID) == "" || !rec.Source.Valid() || strings.TrimSpace(rec.EventType) == "" {
			httpx.Error(w, http.StatusBadRequest, "sessionId, source and eventType required")
			return
		}
		out, err := s.Chain.Record(r.Context(), rec.SessionID, rec.Source, rec.EventType, rec.Payload)
		if err != nil {
			log.Error().Err(err).Str("session_id", rec.SessionID).Msg("evidence_record_failed")
			httpx.Error(w, http.StatusInternalServerError, "append failed")
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, out)
		return
	}
	if err := evidence.Validate(rec); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	rec.Verified = false
	if err := s.Evidence.Append(r.Context(), rec); err != nil {
		if errors.Is(err, evidence.ErrDuplicateID) {
			httpx.Error(w, http.StatusConflict, "duplicate evidence id")
			return
		}
		log.Error().Err(err).Str("session_id", rec.SessionID).Msg("evidence_append_failed")
		httpx.Error(w, http.StatusInternalServerError, "append failed")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, rec)
}

func (s *Server) listEvidence(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	recs, err := s.Evidence.List(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("evidence_list_failed")
		httpx.Error(w, http.StatusInternalServerError, "list failed")
		return
	}
	if recs == nil {
		recs = []models.EvidenceRecord{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "records": recs})
}

func (s *Server) issueCertificate(w http.ResponseWriter, r *http.Request) {
	var req certificate.Request
	if err := httpx.DecodeJSON(w, r, s.Cfg.MaxRequestBodySize, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	cert, err := s.Certs.Issue(r.Context(), req)
	if err != nil {
		if errors.Is(err, certificate.ErrInvalidRequest) {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Str("session_id", req.SessionID).Msg("certificate_issue_failed")
		httpx.Error(w, http.StatusInternalServerError, "issue failed")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, cert)
}

func (s *Server) getCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.Certs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, certificate.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cert)
}

type verifyCertificateRequest struct {
	SignatureChain string   `json:"signatureChain"`
	EvidenceHashes []string `json:"evidenceHashes"`
	// HMACKey overrides the server key for certificates signed elsewhere.
	HMACKey string `json:"hmacKey,omitempty"`
}

func (s *Server) verifyCertificate(w http.ResponseWriter, r *http.Request) {
	var req verifyCertificateRequest
	if err := httpx.DecodeJSON(w, r, s.Cfg.MaxRequestBodySize, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	key := req.HMACKey
	if key == "" {
		key = s.Cfg.EvidenceServerKey
	}
	valid := certificate.Verify(req.SignatureChain, req.EvidenceHashes, key)
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.Registry.Sessions()
	if state := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state"))); state != "" {
		filtered := sessions[:0]
		for _, sess := range sessions {
			if string(sess.AITrustState) == state {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Registry.Session(chi.URLParam(r, "id"))
	if !ok {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) listEnvelopes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	envs, ok := s.Registry.Envelopes(id)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	out := map[string]any{"sessionId": id, "envelopes": envs, "valid": true}
	if broken := envelope.Verify(envs); broken >= 0 {
		out["valid"] = false
		out["brokenAt"] = broken
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit unavailable")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	id := chi.URLParam(r, "id")
	recs, err := s.Audit.List(r.Context(), id, limit)
	if err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("audit_list_failed")
		httpx.Error(w, http.StatusInternalServerError, "list failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sessionId": id, "records": recs})
}

type freezeRequest struct {
	Reason string `json:"reason"`
}

// Operator actions answer 200 with applied=false for unknown sessions so a
// client racing a session end does not see an error.
func (s *Server) freezeSession(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(w, r, s.Cfg.MaxRequestBodySize, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	applied := s.Registry.Freeze(chi.URLParam(r, "id"), strings.TrimSpace(req.Reason))
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) unfreezeSession(w http.ResponseWriter, r *http.Request) {
	applied := s.Registry.Unfreeze(chi.URLParam(r, "id"))
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

type allowRequest struct {
	Scope risk.AllowScope `json:"scope"`
}

func (s *Server) allowSession(w http.ResponseWriter, r *http.Request) {
	var req allowRequest
	if err := httpx.DecodeJSON(w, r, s.Cfg.MaxRequestBodySize, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !req.Scope.Valid() {
		httpx.Error(w, http.StatusBadRequest, "scope must be once or session")
		return
	}
	applied := s.Registry.Allow(chi.URLParam(r, "id"), req.Scope)
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) listZones(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"zones": s.Zones.Zones()})
}

type addZoneRequest struct {
	Path            string                 `json:"path"`
	Name            string                 `json:"name"`
	Type            models.ZoneType        `json:"type"`
	ProtectionLevel models.ProtectionLevel `json:"protectionLevel"`
	Enabled         *bool                  `json:"enabled"`
}

// addZone always mints a new id; zones are enabled unless the body says otherwise.
func (s *Server) addZone(w http.ResponseWriter, r *http.Request) {
	var req addZoneRequest
	if err := httpx.DecodeJSON(w, r, s.Cfg.MaxRequestBodySize, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	z := models.ProtectedZone{
		Path:            strings.TrimSpace(req.Path),
		Name:            req.Name,
		Type:            req.Type,
		ProtectionLevel: req.ProtectionLevel,
		Enabled:         req.Enabled == nil || *req.Enabled,
	}
	out, err := s.Zones.Add(r.Context(), z)
	if err != nil {
		if errors.Is(err, zone.ErrInvalidZone) {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Str("path", z.Path).Msg("zone_add_failed")
		httpx.Error(w, http.StatusInternalServerError, "store failed")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, out)
}

func (s *Server) removeZone(w http.ResponseWriter, r *http.Request) {
	err := s.Zones.Remove(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, zone.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "not found")
	case err != nil:
		log.Error().Err(err).Msg("zone_remove_failed")
		httpx.Error(w, http.StatusInternalServerError, "delete failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
