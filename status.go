package offlinecache

import "fmt"

type fwdReason string

const (
	// The request is not handled by a cache policy (the cache manager is not active yet).
	fwdUncontrolled fwdReason = "uncontrolled"
	// The path is on the exclusion list.
	fwdBypass fwdReason = "bypass"
	// The request method's semantics require the request to be forwarded.
	fwdMethod fwdReason = "method"
	// The store did not contain a response for the request.
	fwdMiss fwdReason = "uri-miss"
)

// cacheStatus describes how a request was answered.
// It is only used for logs and metrics; responses are sent unmodified.
type cacheStatus struct {
	Class     Class
	Hit       bool
	FwdReason fwdReason
	// The response was written to a store.
	Stored bool
	// The offline page was sent instead of the requested resource.
	Offline bool
	Detail  string
}

func statusHit(class Class) cacheStatus {
	return cacheStatus{Class: class, Hit: true}
}

func statusFwd(class Class, reason fwdReason) cacheStatus {
	return cacheStatus{Class: class, FwdReason: reason}
}

// Outcome is the short form used as metric attribute.
func (cs cacheStatus) Outcome() string {
	switch {
	case cs.Offline:
		return "offline"
	case cs.Hit:
		return "hit"
	case cs.Detail == "network":
		return "error"
	default:
		return string(cs.FwdReason)
	}
}

func (cs cacheStatus) String() string {
	status := "hit"
	if !cs.Hit {
		status = fmt.Sprintf("fwd=%s", cs.FwdReason)
	}
	if cs.Stored {
		status += "; stored"
	}
	if cs.Offline {
		status += "; offline"
	}
	if cs.Detail != "" {
		status += "; detail=" + cs.Detail
	}
	return status
}
