package handlers

import "sync/atomic"

var (
	metricSessionsStarted uint64
	metricSessionsFailed  uint64
	metricStreamsOpened   uint64
	metricWorkspacesSaved uint64
)

func recordSessionStarted() { atomic.AddUint64(&metricSessionsStarted, 1) }
func recordSessionFailed()  { atomic.AddUint64(&metricSessionsFailed, 1) }
func recordStreamOpened()   { atomic.AddUint64(&metricStreamsOpened, 1) }
func recordWorkspaceSaved() { atomic.AddUint64(&metricWorkspacesSaved, 1) }

func snapshotMetrics() map[string]any {
	total := atomic.LoadUint64(&metricRequestsTotal)
	failed := atomic.LoadUint64(&metricRequestsFailed)
	latencySum := atomic.LoadUint64(&metricRequestLatencyN)
	avgMs := 0.0
	if total > 0 {
		avgMs = float64(latencySum) / float64(total)
	}
	return map[string]any{
		"requestsTotal":   total,
		"requestsFailed":  failed,
		"avgLatencyMs":    avgMs,
		"rateLimited":     atomic.LoadUint64(&metricRateLimited),
		"sessionsStarted": atomic.LoadUint64(&metricSessionsStarted),
		"sessionsFailed":  atomic.LoadUint64(&metricSessionsFailed),
		"streamsOpened":   atomic.LoadUint64(&metricStreamsOpened),
		"workspacesSaved": atomic.LoadUint64(&metricWorkspacesSaved),
	}
}
