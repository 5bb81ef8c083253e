package leaseclient

import (
	"context"
	"time"
)

// StartHeartbeat extends the lease periodically until ctx is cancelled.
// The returned channel surfaces errors and closes on exit.
// Semantics:
// - extended=false: the lease is dead (expired/stolen/forced over); stop.
// - transport errors: surfaced, loop keeps going; the caller may cancel.
func (c *Client) StartHeartbeat(ctx context.Context, l Lease, opt HeartbeatOptions) <-chan error {
	errCh := make(chan error, 1)

	if opt.Interval <= 0 {
		opt.Interval = 15 * time.Second
	}

	go func() {
		defer close(errCh)

		t := time.NewTicker(opt.Interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				extended, _, err := c.HeartbeatOnce(ctx, l)
				if err != nil {
					select {
					case errCh <- err:
					default:
					}
					continue
				}
				if !extended {
					// Lost the lease; signal and stop. The caller should
					// treat this as "re-acquire".
					select {
					case errCh <- context.Canceled:
					default:
					}
					return
				}
			}
		}
	}()

	return errCh
}
