// Package worker holds the background helpers of the call path: feature
// rollout gating, the transcript writers and the notification dispatcher.
// None of them ever surfaces a failure to the caller on the phone.
package worker

import "hash/fnv"

// Enrolled reports whether tenantID falls inside a percent rollout. The
// decision is stable for a tenant: FNV-1a of the id, mod 100, below percent.
func Enrolled(tenantID string, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return int(h.Sum32()%100) < percent
}

// LowLatency decides low-latency mode for a tenant: an explicit override
// wins, otherwise the rollout percentage decides.
func LowLatency(tenantID string, override *bool, percent int) bool {
	if override != nil {
		return *override
	}
	return Enrolled(tenantID, percent)
}
