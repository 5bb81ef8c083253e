package leaseclient

import "fmt"

// DeniedError reports a contested acquire: the resource is live-held by
// someone else. It carries the holder so callers can offer a handover path.
type DeniedError struct {
	Resource     string
	Holder       string
	HolderTab    string
	TTLSeconds   int64
	RetryAfterMS int64
	Reason       string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("lease denied: resource=%s holder=%s holder_tab=%s retry_ms=%d",
		e.Resource, e.Holder, e.HolderTab, e.RetryAfterMS)
}

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
