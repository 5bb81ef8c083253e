package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// forensicRecord captures everything needed to investigate a denied
// mutating request after the fact.
type forensicRecord struct {
	Resource  string
	Actor     string
	Code      string
	Violation string
	ClientIP  string
	UserAgent string
	Referer   string
	Method    string
	Path      string
	Body      string
	Suspicion int
}

func (rec forensicRecord) fields() map[string]interface{} {
	return map[string]interface{}{
		"op":         "guard_denial",
		"resource":   rec.Resource,
		"actor":      rec.Actor,
		"code":       rec.Code,
		"violation":  rec.Violation,
		"client_ip":  rec.ClientIP,
		"user_agent": rec.UserAgent,
		"referer":    rec.Referer,
		"method":     rec.Method,
		"path":       rec.Path,
		"body":       rec.Body,
		"suspicion":  rec.Suspicion,
	}
}

func (g *Guard) collectForensics(r *http.Request, resource, actor, code string) forensicRecord {
	rec := forensicRecord{
		Resource:  resource,
		Actor:     actor,
		Code:      code,
		Violation: code,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      sanitizedBody(r),
	}
	if code == CodeLockDenied {
		rec.Violation = "LOCK_HELD_BY_OTHER"
	}

	repeats := g.denials.record(actor+"|"+rec.ClientIP, time.Now())
	rec.Suspicion = suspicionScore(rec, repeats)
	return rec
}

// clientIP resolves the caller address through the trusted-proxy header
// precedence list, falling back to the socket peer.
func clientIP(r *http.Request) string {
	if v := r.Header.Get("CF-Connecting-IP"); v != "" {
		return strings.TrimSpace(v)
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		// First hop is the original client; the rest are proxies.
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		return strings.TrimSpace(v)
	}
	if v := r.Header.Get("X-Real-IP"); v != "" {
		return strings.TrimSpace(v)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

const maxForensicBody = 4096

var redactedKeys = []string{
	"password", "passwd", "token", "secret", "authorization", "api_key",
	"apikey", "key", "credential", "session",
}

// sanitizedBody returns up to maxForensicBody bytes of the request body with
// credential-shaped JSON fields redacted. The body is consumed; denied
// requests never reach a handler that would read it.
func sanitizedBody(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxForensicBody))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &obj); err != nil {
		// Not a JSON object; keep the raw prefix, it may still matter.
		return string(raw)
	}
	for k := range obj {
		if isCredentialKey(k) {
			obj[k] = "[REDACTED]"
		}
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	return string(out)
}

func isCredentialKey(k string) bool {
	lk := strings.ToLower(k)
	for _, needle := range redactedKeys {
		if strings.Contains(lk, needle) {
			return true
		}
	}
	return false
}

var automationAgents = []string{
	"curl", "wget", "python-requests", "go-http-client", "postman",
	"httpie", "libwww", "scrapy",
}

// suspicionScore is a 0-100 heuristic, not a verdict. Scores feed dashboards
// and the audit log; nothing is blocked on them.
func suspicionScore(rec forensicRecord, repeatsInWindow int) int {
	score := 0
	if repeatsInWindow >= 3 {
		score += 40
	}
	ua := strings.ToLower(rec.UserAgent)
	for _, agent := range automationAgents {
		if strings.Contains(ua, agent) {
			score += 30
			break
		}
	}
	if rec.UserAgent == "" {
		score += 15
	}
	if rec.Referer == "" && !strings.HasPrefix(rec.Path, "/v1/") {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return score
}

// denialTracker keeps a sliding window of denial timestamps per
// (actor, client IP) for the rapid-repeat heuristic.
type denialTracker struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[string][]time.Time
}

func newDenialTracker(window time.Duration) *denialTracker {
	return &denialTracker{
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// record registers a denial and returns how many fall inside the window,
// including this one.
func (t *denialTracker) record(key string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	kept := t.hits[key][:0]
	for _, ts := range t.hits[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	t.hits[key] = kept
	return len(kept)
}
