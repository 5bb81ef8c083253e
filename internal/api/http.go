package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"transferlock/internal/model"
	"transferlock/internal/obs"
)

type Server struct {
	svc       *model.Service
	db        *sql.DB
	logger    *obs.Logger
	metrics   *obs.Metrics
	guard     *Guard
	streams   *streamRegistry
	streamCfg StreamConfig
	router    *mux.Router
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func NewServer(svc *model.Service, db *sql.DB, logger *obs.Logger, metrics *obs.Metrics, streamCfg StreamConfig) *Server {
	s := &Server{
		svc:       svc,
		db:        db,
		logger:    logger,
		metrics:   metrics,
		streams:   newStreamRegistry(),
		streamCfg: streamCfg.withDefaults(),
		router:    mux.NewRouter(),
	}
	s.guard = NewGuard(svc, logger, metrics)
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.router)
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	leases := s.router.PathPrefix("/v1/leases/{key}").Subrouter()
	leases.HandleFunc("", s.handleStatus).Methods(http.MethodGet)
	leases.HandleFunc("/acquire", s.handleAcquire).Methods(http.MethodPost)
	leases.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	leases.HandleFunc("/release", s.handleRelease).Methods(http.MethodPost)
	leases.HandleFunc("/steal", s.handleSteal).Methods(http.MethodPost)
	leases.HandleFunc("/request", s.handleRequest).Methods(http.MethodPost)
	leases.HandleFunc("/respond", s.handleRespond).Methods(http.MethodPost)
	leases.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	// Sample mutating endpoint under the guard. The actual transfer write
	// pipeline lives outside this service; this is the integration point it
	// mounts behind.
	s.router.Handle("/v1/transfers/{key}",
		s.guard.Protect(http.HandlerFunc(s.handleTransferWrite))).Methods(http.MethodPost)
}

// AccessGuard returns the lease-possession middleware for mounting in front
// of external mutating handlers.
func (s *Server) AccessGuard() *Guard {
	return s.guard
}

// --- handlers ---

type acquireReq struct {
	Owner string `json:"owner"`
	Tab   string `json:"tab"`
	Force bool   `json:"force,omitempty"`
}

type acquireResp struct {
	OK         bool   `json:"ok"`
	Token      string `json:"token,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`

	Denied       bool   `json:"denied,omitempty"`
	Holder       string `json:"holder,omitempty"`
	HolderTab    string `json:"holder_tab,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req acquireReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.Owner == "" || req.Tab == "" {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", "owner and tab required")
		return
	}

	res, err := s.svc.Acquire(r.Context(), model.AcquireRequest{
		Resource: key,
		OwnerID:  req.Owner,
		TabID:    req.Tab,
		Force:    req.Force,
	})
	if err != nil {
		writeErr(w, r, http.StatusInternalServerError, "INTERNAL", "acquire failed")
		return
	}

	if res.Acquired {
		writeJSON(w, http.StatusOK, acquireResp{
			OK:         true,
			Token:      res.Token,
			TTLSeconds: int64(res.TTL.Seconds()),
		})
		return
	}

	out := acquireResp{
		Denied:       true,
		Holder:       res.HolderID,
		HolderTab:    res.HolderTab,
		RetryAfterMS: res.RetryAfter.Milliseconds(),
		Reason:       res.Reason,
	}
	if !res.HolderExpiry.IsZero() {
		out.TTLSeconds = int64(time.Until(res.HolderExpiry).Seconds())
	}
	writeJSON(w, http.StatusConflict, out)
}

type heartbeatReq struct {
	Owner string `json:"owner"`
	Tab   string `json:"tab"`
	Token string `json:"token"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req heartbeatReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.Owner == "" || req.Tab == "" || req.Token == "" {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", "owner, tab and token required")
		return
	}

	res, err := s.svc.Heartbeat(r.Context(), model.HeartbeatRequest{
		Resource: key,
		OwnerID:  req.Owner,
		TabID:    req.Tab,
		Token:    req.Token,
	})
	if err != nil {
		writeErr(w, r, http.StatusInternalServerError, "INTERNAL", "heartbeat failed")
		return
	}

	// A mismatch is a no-op, not an error: the caller treats extended=false
	// as "re-acquire".
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"extended":    res.Extended,
		"ttl_seconds": int64(res.TTL.Seconds()),
	})
}

type releaseReq struct {
	Owner string `json:"owner"`
	Tab   string `json:"tab"`
	Token string `json:"token"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req releaseReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.Owner == "" || req.Tab == "" || req.Token == "" {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", "owner, tab and token required")
		return
	}

	res, err := s.svc.Release(r.Context(), model.ReleaseRequest{
		Resource: key,
		OwnerID:  req.Owner,
		TabID:    req.Tab,
		Token:    req.Token,
	})
	if err != nil {
		writeErr(w, r, http.StatusInternalServerError, "INTERNAL", "release failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"released": res.Released,
	})
}

type stealReq struct {
	Owner string `json:"owner"`
	Tab   string `json:"tab"`
}

func (s *Server) handleSteal(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req stealReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.Owner == "" || req.Tab == "" {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", "owner and tab required")
		return
	}

	res, err := s.svc.Steal(r.Context(), model.StealRequest{
		Resource: key,
		OwnerID:  req.Owner,
		TabID:    req.Tab,
	})
	if err != nil {
		writeErr(w, r, http.StatusInternalServerError, "INTERNAL", "steal failed")
		return
	}

	if res.Reason != "" {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"ok":     false,
			"reason": res.Reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"stolen":      res.Stolen,
		"token":       res.Token,
		"ttl_seconds": int64(res.TTL.Seconds()),
	})
}

type handoverReq struct {
	Requester    string `json:"requester"`
	RequesterTab string `json:"requester_tab"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req handoverReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.Requester == "" || req.RequesterTab == "" {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", "requester and requester_tab required")
		return
	}

	res, err := s.svc.Request(r.Context(), model.HandoverRequest{
		Resource:     key,
		RequesterID:  req.Requester,
		RequesterTab: req.RequesterTab,
	})
	if err != nil {
		writeErr(w, r, http.StatusInternalServerError, "INTERNAL", "request failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":              true,
		"timeout_seconds": int64(res.Timeout.Seconds()),
	})
}

type respondReq struct {
	Owner string `json:"owner"`
	Tab   string `json:"tab"`
	Allow bool   `json:"allow"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req respondReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.Owner == "" || req.Tab == "" {
		writeErr(w, r, http.StatusBadRequest, "BAD_REQUEST", "owner and tab required")
		return
	}

	res, err := s.svc.Respond(r.Context(), model.RespondRequest{
		Resource: key,
		OwnerID:  req.Owner,
		TabID:    req.Tab,
		Allow:    req.Allow,
	})
	if err != nil {
		writeErr(w, r, http.StatusInternalServerError, "INTERNAL", "respond failed")
		return
	}
	if !res.Responded {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"ok":     false,
			"reason": res.Reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"released": res.Released,
		"denied":   !req.Allow,
	})
}

type statusResp struct {
	OK         bool            `json:"ok"`
	Locked     bool            `json:"locked"`
	Owner      string          `json:"owner,omitempty"`
	Tab        string          `json:"tab,omitempty"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
	Pending    *pendingRequest `json:"pending_request,omitempty"`
}

type pendingRequest struct {
	Requester      string `json:"requester"`
	RequesterTab   string `json:"requester_tab"`
	SecondsLeft    int64  `json:"seconds_left"`
	CreatedAtEpoch int64  `json:"created_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	st, err := s.svc.Status(r.Context(), key, time.Time{})
	if err != nil {
		writeErr(w, r, http.StatusInternalServerError, "INTERNAL", "status failed")
		return
	}
	writeJSON(w, http.StatusOK, statusToResp(st))
}

func statusToResp(st model.StatusResult) statusResp {
	out := statusResp{OK: true, Locked: st.Lease.Held}
	if st.Lease.Held {
		out.Owner = st.Lease.OwnerID
		out.Tab = st.Lease.TabID
		out.TTLSeconds = int64(st.Lease.Remaining.Seconds())
	}
	if st.Request.Present {
		out.Pending = &pendingRequest{
			Requester:      st.Request.RequesterID,
			RequesterTab:   st.Request.RequesterTab,
			SecondsLeft:    int64(st.Request.Remaining.Seconds()),
			CreatedAtEpoch: st.Request.CreatedAt.Unix(),
		}
	}
	return out
}

func (s *Server) handleTransferWrite(w http.ResponseWriter, r *http.Request) {
	// Guard has already verified lease possession. The shipment planning
	// pipeline that persists transfer mutations is external to this service.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"resource": mux.Vars(r)["key"],
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Fail open: a broken store degrades the probe, it does not fail it.
	status := "ok"
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			status = "unknown"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// --- helpers ---

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"ok":             false,
		"error":          code,
		"message":        msg,
		"correlation_id": correlationID(r.Context()),
	})
}
