package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter registers the API routes. wsHandler serves the availability
// stream and may be nil.
func NewRouter(svc *Service, wsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	handle := func(path string, h http.HandlerFunc) {
		mux.Handle(path, svc.instrument(path, h))
	}

	handle("/api/engage/try", svc.handleTry)
	handle("/api/engage/heartbeat", svc.handleHeartbeat)
	handle("/api/engage/release", svc.handleRelease)
	handle("/api/engage/status/", svc.handleLockStatus)
	handle("/api/engage/busy", svc.handleBusyList)

	handle("/api/busy/allocate", svc.handleAllocate)
	handle("/api/busy/release", svc.handleAllocationRelease)
	handle("/api/busy/status/", svc.handleQuotaStatus)
	handle("/api/busy/enable", svc.handleEnable)

	handle("/api/history", svc.handleHistory)
	handle("/api/listings", svc.handleListings)

	if wsHandler != nil {
		mux.Handle("/ws/availability", wsHandler)
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}
