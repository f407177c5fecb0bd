// Package rfc9211 implements the Cache-Status HTTP response header field.
package rfc9211

import "fmt"

// CacheName identifies this cache in Cache-Status header values.
const CacheName = "ShellCache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Status code returned by the next hop, if forwarded.
	FwdStatus int
	// Whether the response was (or will be) stored.
	Stored bool
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", CacheName, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Status == StatusFwd && cs.FwdStatus != 0 {
		status = fmt.Sprintf("%s; fwd-status=%d", status, cs.FwdStatus)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
