package leaseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Client is safe for concurrent use by multiple goroutines, like
// http.Client.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
	}
}

// ---- Wire format ----

type acquireBody struct {
	Owner string `json:"owner"`
	Tab   string `json:"tab"`
	Force bool   `json:"force,omitempty"`
}

type acquireReply struct {
	OK           bool   `json:"ok"`
	Token        string `json:"token,omitempty"`
	TTLSeconds   int64  `json:"ttl_seconds,omitempty"`
	Denied       bool   `json:"denied,omitempty"`
	Holder       string `json:"holder,omitempty"`
	HolderTab    string `json:"holder_tab,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type tokenBody struct {
	Owner string `json:"owner"`
	Tab   string `json:"tab"`
	Token string `json:"token"`
}

type statusReply struct {
	OK         bool            `json:"ok"`
	Locked     bool            `json:"locked"`
	Owner      string          `json:"owner,omitempty"`
	Tab        string          `json:"tab,omitempty"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
	Pending    *PendingRequest `json:"pending_request,omitempty"`
}

// ---- One-shot operations ----

func (c *Client) AcquireOnce(ctx context.Context, resource, owner, tab string, force bool) (Lease, *DeniedError, error) {
	if resource == "" || owner == "" || tab == "" {
		return Lease{}, nil, fmt.Errorf("resource, owner and tab required")
	}

	path := fmt.Sprintf("%s/v1/leases/%s/acquire", c.baseURL, resource)
	var out acquireReply
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, acquireBody{Owner: owner, Tab: tab, Force: force}, &out)
	if err != nil {
		return Lease{}, nil, err
	}

	if code == http.StatusOK && out.OK {
		return Lease{
			Resource:   resource,
			OwnerID:    owner,
			TabID:      tab,
			Token:      out.Token,
			TTLSeconds: out.TTLSeconds,
		}, nil, nil
	}

	if code == http.StatusConflict {
		return Lease{}, &DeniedError{
			Resource:     resource,
			Holder:       out.Holder,
			HolderTab:    out.HolderTab,
			TTLSeconds:   out.TTLSeconds,
			RetryAfterMS: out.RetryAfterMS,
			Reason:       out.Reason,
		}, nil
	}

	return Lease{}, nil, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

// HeartbeatOnce extends the lease. extended=false means the lease is no
// longer ours (expired, stolen or forced over); callers should re-acquire.
func (c *Client) HeartbeatOnce(ctx context.Context, l Lease) (bool, int64, error) {
	if l.Resource == "" || l.OwnerID == "" || l.TabID == "" || l.Token == "" {
		return false, 0, fmt.Errorf("invalid lease")
	}

	path := fmt.Sprintf("%s/v1/leases/%s/heartbeat", c.baseURL, l.Resource)
	var out struct {
		OK         bool  `json:"ok"`
		Extended   bool  `json:"extended"`
		TTLSeconds int64 `json:"ttl_seconds"`
	}
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, tokenBody{Owner: l.OwnerID, Tab: l.TabID, Token: l.Token}, &out)
	if err != nil {
		return false, 0, err
	}
	if code != http.StatusOK {
		return false, 0, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
	return out.Extended, out.TTLSeconds, nil
}

func (c *Client) ReleaseOnce(ctx context.Context, l Lease) (bool, error) {
	if l.Resource == "" || l.OwnerID == "" || l.TabID == "" || l.Token == "" {
		return false, fmt.Errorf("invalid lease")
	}

	path := fmt.Sprintf("%s/v1/leases/%s/release", c.baseURL, l.Resource)
	var out struct {
		OK       bool `json:"ok"`
		Released bool `json:"released"`
	}
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, tokenBody{Owner: l.OwnerID, Tab: l.TabID, Token: l.Token}, &out)
	if err != nil {
		return false, err
	}
	if code != http.StatusOK {
		return false, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
	return out.Released, nil
}

// Steal moves the caller's own lease to a new tab. The returned reason is
// non-empty when the server refused (not_same_owner, not_locked).
func (c *Client) Steal(ctx context.Context, resource, owner, tab string) (Lease, bool, string, error) {
	if resource == "" || owner == "" || tab == "" {
		return Lease{}, false, "", fmt.Errorf("resource, owner and tab required")
	}

	path := fmt.Sprintf("%s/v1/leases/%s/steal", c.baseURL, resource)
	var out struct {
		OK         bool   `json:"ok"`
		Stolen     bool   `json:"stolen"`
		Token      string `json:"token"`
		TTLSeconds int64  `json:"ttl_seconds"`
		Reason     string `json:"reason"`
	}
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, map[string]string{"owner": owner, "tab": tab}, &out)
	if err != nil {
		return Lease{}, false, "", err
	}
	switch code {
	case http.StatusOK:
		return Lease{
			Resource:   resource,
			OwnerID:    owner,
			TabID:      tab,
			Token:      out.Token,
			TTLSeconds: out.TTLSeconds,
		}, out.Stolen, "", nil
	case http.StatusConflict:
		return Lease{}, false, out.Reason, nil
	default:
		return Lease{}, false, "", &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
}

// RequestHandover asks the current holder to relinquish the lease. The
// returned duration is how long the request stays pending.
func (c *Client) RequestHandover(ctx context.Context, resource, requester, requesterTab string) (time.Duration, error) {
	if resource == "" || requester == "" || requesterTab == "" {
		return 0, fmt.Errorf("resource, requester and requester_tab required")
	}

	path := fmt.Sprintf("%s/v1/leases/%s/request", c.baseURL, resource)
	var out struct {
		OK             bool  `json:"ok"`
		TimeoutSeconds int64 `json:"timeout_seconds"`
	}
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, map[string]string{"requester": requester, "requester_tab": requesterTab}, &out)
	if err != nil {
		return 0, err
	}
	if code != http.StatusOK {
		return 0, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
	return time.Duration(out.TimeoutSeconds) * time.Second, nil
}

// Respond answers a pending handover request as the current holder.
// released=true means the lease was relinquished and the resource is now
// unlocked for the requester to acquire. The returned reason is non-empty
// when the server refused the response (not_owner: the caller does not hold
// the lease).
func (c *Client) Respond(ctx context.Context, resource, owner, tab string, allow bool) (bool, string, error) {
	if resource == "" || owner == "" || tab == "" {
		return false, "", fmt.Errorf("resource, owner and tab required")
	}

	path := fmt.Sprintf("%s/v1/leases/%s/respond", c.baseURL, resource)
	var out struct {
		OK       bool   `json:"ok"`
		Released bool   `json:"released"`
		Reason   string `json:"reason"`
	}
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, map[string]interface{}{"owner": owner, "tab": tab, "allow": allow}, &out)
	if err != nil {
		return false, "", err
	}
	switch code {
	case http.StatusOK:
		return out.Released, "", nil
	case http.StatusConflict:
		return false, out.Reason, nil
	default:
		return false, "", &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
}

func (c *Client) Status(ctx context.Context, resource string) (Status, error) {
	if resource == "" {
		return Status{}, fmt.Errorf("resource required")
	}

	path := fmt.Sprintf("%s/v1/leases/%s", c.baseURL, resource)
	var out statusReply
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return Status{}, err
	}
	if code != http.StatusOK {
		return Status{}, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return Status{
		Locked:     out.Locked,
		Owner:      out.Owner,
		Tab:        out.Tab,
		TTLSeconds: out.TTLSeconds,
		Pending:    out.Pending,
	}, nil
}

// doJSON sends JSON and optionally decodes a JSON response. Returns status
// code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, method, url string, req any, resp any) (int, string, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	trimmed := strings.TrimSpace(string(raw))

	if resp != nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, resp) // tolerate non-JSON error bodies
	}
	return rsp.StatusCode, trimmed, nil
}

// ---- Retry wrapper ----

func (c *Client) AcquireWithRetry(ctx context.Context, resource, owner, tab string, opt AcquireOptions) (Lease, error) {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 50
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 25 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 1 * time.Second
	}
	if opt.JitterFrac <= 0 {
		opt.JitterFrac = 0.2
	}

	start := time.Now()
	var lastDenied *DeniedError

	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			if lastDenied != nil {
				return Lease{}, lastDenied
			}
			return Lease{}, context.DeadlineExceeded
		}

		lease, denied, err := c.AcquireOnce(ctx, resource, owner, tab, opt.Force)
		if err != nil {
			return Lease{}, err
		}
		if denied == nil {
			return lease, nil
		}

		lastDenied = denied
		// Honor the server's retry hint when present; clamp and jitter.
		sleep := time.Duration(denied.RetryAfterMS) * time.Millisecond
		if sleep <= 0 {
			sleep = time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		}
		if sleep < opt.MinRetry {
			sleep = opt.MinRetry
		}
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		sleep = addJitter(sleep, opt.JitterFrac)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, ctx.Err()
		case <-timer.C:
		}
	}

	if lastDenied != nil {
		return Lease{}, lastDenied
	}
	return Lease{}, fmt.Errorf("acquire failed")
}

// addJitter spreads simultaneous retries. The top-level rand source is
// internally locked, so concurrent callers are fine.
func addJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	j := (rand.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}
