package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/raterudder/forecaster/pkg/engine"
	"github.com/raterudder/forecaster/pkg/log"
	"github.com/raterudder/forecaster/pkg/types"
)

// maxBodyBytes bounds admin request bodies.
const maxBodyBytes = 1 << 20

type dampeningReq struct {
	Site    string    `json:"site"`
	Factors []float64 `json:"factors"`
}

type dampeningRes struct {
	Site    string    `json:"site"`
	Factors []float64 `json:"factors"`
}

// decodeBody decodes an optional JSON body into v, writing the error
// response itself when it fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	ctx := r.Context()
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode request body", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Force bool `json:"force"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	trigger := engine.Manual
	if req.Force {
		trigger = engine.Forced
	}
	log.Ctx(ctx).InfoContext(ctx, "update requested", slog.String("trigger", trigger.String()))
	if err := s.engine.Update(ctx, trigger); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, s.engine.Status())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log.Ctx(ctx).InfoContext(ctx, "cache clear requested")
	if err := s.engine.ClearCache(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, s.engine.Status())
}

func (s *Server) handleGetDampening(w http.ResponseWriter, r *http.Request) {
	site := r.URL.Query().Get("site")
	factors, ok := s.engine.GetDampening(site)
	if !ok {
		writeJSONError(w, "no dampening factors for site", http.StatusNotFound)
		return
	}
	writeJSON(w, dampeningRes{Site: site, Factors: factors})
}

func (s *Server) handleSetDampening(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req dampeningReq
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.SetDampening(ctx, req.Site, req.Factors); err != nil {
		writeError(w, r, err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "dampening updated", slog.String("site", req.Site), slog.Int("factors", len(req.Factors)))
	factors, _ := s.engine.GetDampening(req.Site)
	writeJSON(w, dampeningRes{Site: req.Site, Factors: factors})
}

func (s *Server) handleSetHardLimit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Limit string `json:"limit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Limit == "" {
		writeError(w, r, &types.ValidationError{Field: "hard_limit", Reason: "limit is required"})
		return
	}
	if err := s.engine.SetHardLimit(ctx, req.Limit); err != nil {
		writeError(w, r, err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "hard limit updated", slog.String("limit", req.Limit))
	writeJSON(w, struct {
		Limit string `json:"limit"`
	}{Limit: s.engine.Status().HardLimit})
}
