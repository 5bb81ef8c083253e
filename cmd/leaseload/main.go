package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"transferlock/pkg/leaseclient"
)

// ExclusiveSection verifies mutual exclusion from the outside: if two
// workers ever sit inside it at once, the coordinator handed out
// overlapping leases.
type ExclusiveSection struct {
	mu         sync.Mutex
	holder     string
	violations int64
	entries    int64
}

func (s *ExclusiveSection) Enter(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries++
	if s.holder != "" {
		s.violations++
	}
	s.holder = owner
}

func (s *ExclusiveSection) Leave(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == owner {
		s.holder = ""
	}
}

func (s *ExclusiveSection) Stats() (entries, violations int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries, s.violations
}

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:8080", "transferlockd base URL")
		resource  = flag.String("resource", "transfer-001", "resource key to contend for")
		clients   = flag.Int("clients", 50, "number of concurrent clients")
		duration  = flag.Duration("duration", 20*time.Second, "test duration")
		hold      = flag.Duration("hold", 30*time.Millisecond, "time spent editing while holding the lease")
		jitter    = flag.Duration("jitter", 30*time.Millisecond, "extra random sleep while holding")
		askRate   = flag.Float64("askrate", 0.1, "probability a denied client files a handover request")
		yieldRate = flag.Float64("yieldrate", 0.5, "probability a holder allows a pending handover request")
	)
	flag.Parse()

	httpc := &http.Client{Timeout: 10 * time.Second}
	section := &ExclusiveSection{}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		acqOK      int64
		acqDenied  int64
		releaseOK  int64
		requests   int64
		handovers  int64
		errCount   int64
	)

	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *clients; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := fmt.Sprintf("user-%d", i)
			tab := fmt.Sprintf("tab-%d", i)
			c := leaseclient.New(*baseURL, httpc)
			rng := rand.New(rand.NewSource(int64(i) + time.Now().UnixNano()))

			for ctx.Err() == nil {
				lease, denied, err := c.AcquireOnce(ctx, *resource, owner, tab, false)
				if err != nil {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				if denied != nil {
					atomic.AddInt64(&acqDenied, 1)
					if rng.Float64() < *askRate {
						if _, err := c.RequestHandover(ctx, *resource, owner, tab); err == nil {
							atomic.AddInt64(&requests, 1)
						}
					}
					sleep := time.Duration(denied.RetryAfterMS) * time.Millisecond
					if sleep <= 0 {
						sleep = 20 * time.Millisecond
					}
					time.Sleep(sleep)
					continue
				}

				atomic.AddInt64(&acqOK, 1)

				// critical section: only the lease holder may be in here
				section.Enter(owner)
				time.Sleep(*hold + time.Duration(rng.Int63n(int64(*jitter)+1)))

				// Play the owner's part in the handover negotiation before
				// leaving.
				if st, err := c.Status(ctx, *resource); err == nil && st.Pending != nil {
					if rng.Float64() < *yieldRate {
						if released, _, err := c.Respond(ctx, *resource, owner, tab, true); err == nil && released {
							atomic.AddInt64(&handovers, 1)
							section.Leave(owner)
							continue
						}
					} else {
						_, _, _ = c.Respond(ctx, *resource, owner, tab, false)
					}
				}
				section.Leave(owner)

				released, err := c.ReleaseOnce(ctx, lease)
				if err != nil {
					atomic.AddInt64(&errCount, 1)
				} else if released {
					atomic.AddInt64(&releaseOK, 1)
				}

				time.Sleep(5 * time.Millisecond)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	entries, violations := section.Stats()

	fmt.Println("=== transferlock contention test ===")
	fmt.Printf("duration: %s, clients: %d, resource: %s\n", elapsed, *clients, *resource)
	fmt.Printf("acquire_success:   %d\n", acqOK)
	fmt.Printf("acquire_denied:    %d\n", acqDenied)
	fmt.Printf("release_success:   %d\n", releaseOK)
	fmt.Printf("handover_requests: %d\n", requests)
	fmt.Printf("handover_yields:   %d\n", handovers)
	fmt.Printf("section_entries:   %d\n", entries)
	fmt.Printf("section_overlaps:  %d\n", violations)
	fmt.Printf("errors:            %d\n", errCount)

	if violations > 0 {
		fmt.Println("MUTUAL EXCLUSION VIOLATED: overlapping lease holders observed")
	} else {
		fmt.Println("mutual exclusion held: no overlapping holders observed")
	}
}
