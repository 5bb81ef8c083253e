package leaseclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Subscribe opens the server's event stream for one resource and tab and
// delivers parsed frames on the returned channel. The subscription
// reconnects with backoff on disconnect (including the server's lifetime
// cap) and closes the channel when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, resource, owner, tab string) (<-chan Event, error) {
	if resource == "" || owner == "" || tab == "" {
		return nil, fmt.Errorf("resource, owner and tab required")
	}

	endpoint := fmt.Sprintf("%s/v1/leases/%s/events?owner=%s&tab=%s",
		c.baseURL, resource, url.QueryEscape(owner), url.QueryEscape(tab))

	events := make(chan Event, 16)

	go func() {
		defer close(events)

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxInterval = 10 * time.Second
		bo.MaxElapsedTime = 0

		for ctx.Err() == nil {
			ok := c.streamOnce(ctx, endpoint, events)
			if ok {
				// Clean server close (lifetime cap); reconnect promptly.
				bo.Reset()
			}
			timer := time.NewTimer(bo.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	return events, nil
}

// streamOnce runs one connection until it ends. Returns true if the server
// closed it gracefully with a closed event.
func (c *Client) streamOnce(ctx context.Context, endpoint string, events chan<- Event) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streaming reads must not inherit the client's request timeout.
	hc := &http.Client{Transport: c.http.Transport}
	rsp, err := hc.Do(req)
	if err != nil {
		return false
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return false
	}

	var (
		ev       Event
		graceful bool
	)
	flush := func() {
		if ev.Type == "" {
			ev = Event{}
			return
		}
		if ev.Type == "closed" {
			graceful = true
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
		ev = Event{}
	}

	scanner := bufio.NewScanner(rsp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// heartbeat comment frame
		case strings.HasPrefix(line, "id:"):
			ev.ID, _ = strconv.ParseInt(strings.TrimSpace(line[3:]), 10, 64)
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(line[6:])
		case strings.HasPrefix(line, "data:"):
			ev.Data = json.RawMessage(strings.TrimSpace(line[5:]))
		case strings.HasPrefix(line, "retry:"):
			// server reconnect hint; the backoff loop already bounds us
		}
	}
	return graceful
}
