package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
)

// StreamConfig carries the event-stream tunables. Zero values take the
// documented defaults.
type StreamConfig struct {
	MaxLifetime    time.Duration // hard cap on a single connection
	MinInterval    time.Duration // poll interval floor
	MaxInterval    time.Duration // poll interval ceiling under backoff
	HeartbeatEvery time.Duration // idle-timeout defeating comment frames
	RetryMS        int           // reconnect hint sent to the client
	OneConnPerTab  bool          // log duplicate (resource, tab) connections
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxLifetime:    300 * time.Second,
		MinInterval:    500 * time.Millisecond,
		MaxInterval:    5 * time.Second,
		HeartbeatEvery: 15 * time.Second,
		RetryMS:        2000,
		OneConnPerTab:  true,
	}
}

func (c StreamConfig) withDefaults() StreamConfig {
	def := DefaultStreamConfig()
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = def.MaxLifetime
	}
	if c.MinInterval <= 0 {
		c.MinInterval = def.MinInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = def.MaxInterval
		if c.MaxInterval < c.MinInterval {
			// Floor above the default ceiling pulls the ceiling up with it.
			c.MaxInterval = c.MinInterval
		}
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.RetryMS <= 0 {
		c.RetryMS = def.RetryMS
	}
	return c
}

// streamRegistry counts open connections per (resource, tab). It exists for
// duplicate detection and metrics only; connections never touch each other's
// state and the server never evicts a duplicate.
type streamRegistry struct {
	mu   sync.Mutex
	open map[string]int
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{open: make(map[string]int)}
}

func (r *streamRegistry) add(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[key]++
	return r.open[key]
}

func (r *streamRegistry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open[key] <= 1 {
		delete(r.open, key)
		return
	}
	r.open[key]--
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	owner := r.URL.Query().Get("owner")
	tab := r.URL.Query().Get("tab")
	if owner == "" || tab == "" {
		writeErr(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "owner and tab required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, r, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	connKey := key + "|" + tab
	if n := s.streams.add(connKey); n > 1 && s.streamCfg.OneConnPerTab && s.logger != nil {
		// The client owns duplicate cleanup; we only record it.
		s.logger.Warn(map[string]interface{}{
			"op":       "stream_duplicate",
			"resource": key,
			"tab":      tab,
			"open":     n,
		})
	}
	if s.metrics != nil {
		s.metrics.StreamConns.Inc()
	}
	defer func() {
		s.streams.remove(connKey)
		if s.metrics != nil {
			s.metrics.StreamConns.Dec()
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", s.streamCfg.RetryMS)
	flusher.Flush()

	emit := func(id int64, event string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
		flusher.Flush()
		if s.metrics != nil {
			s.metrics.StreamEventsTotal.WithLabelValues(event).Inc()
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.streamCfg.MinInterval
	bo.MaxInterval = s.streamCfg.MaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0 // the lifetime cap below bounds the connection
	bo.Reset()

	ctx := r.Context()
	lifetime := time.NewTimer(s.streamCfg.MaxLifetime)
	defer lifetime.Stop()
	heartbeat := time.NewTicker(s.streamCfg.HeartbeatEvery)
	defer heartbeat.Stop()
	poll := time.NewTimer(0) // first poll immediately
	defer poll.Stop()

	var (
		eventID     int64
		lastFP      string
		lastRequest string
	)

	for {
		select {
		case <-ctx.Done():
			// Client went away; deferred registry/gauge release is the only
			// cleanup needed.
			return

		case <-lifetime.C:
			eventID++
			emit(eventID, "closed", map[string]interface{}{"reason": "lifetime"})
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ":hb\n\n")
			flusher.Flush()
			if s.metrics != nil {
				s.metrics.StreamEventsTotal.WithLabelValues("heartbeat").Inc()
			}

		case <-poll.C:
			st, err := s.svc.Status(ctx, key, time.Time{})
			if err != nil {
				// Status is fail-open: log and try again next tick.
				if s.logger != nil {
					s.logger.Warn(map[string]interface{}{
						"op":       "stream_poll",
						"resource": key,
						"error":    err.Error(),
					})
				}
				poll.Reset(bo.NextBackOff())
				continue
			}

			if fp := st.Lease.Fingerprint(); fp != lastFP {
				lastFP = fp
				eventID++
				emit(eventID, "status", statusToResp(st))
				bo.Reset()
			}

			// Surface an incoming handover request to the holder so their
			// client can render the response countdown.
			if st.Request.Present && st.Lease.Held && st.Lease.OwnerID == owner {
				reqKey := st.Request.RequesterID + "|" + st.Request.RequesterTab + "|" + strconv.FormatInt(st.Request.CreatedAt.UnixNano(), 10)
				if reqKey != lastRequest {
					lastRequest = reqKey
					eventID++
					emit(eventID, "request", map[string]interface{}{
						"requester":     st.Request.RequesterID,
						"requester_tab": st.Request.RequesterTab,
						"seconds_left":  int64(st.Request.Remaining.Seconds()),
					})
				}
			} else if !st.Request.Present {
				lastRequest = ""
			}

			poll.Reset(bo.NextBackOff())
		}
	}
}
