package health

import (
	"encoding/json"
	"net/http"
	"strings"
)

// nodeHeader carries the answering node id on every probe response.
const nodeHeader = "X-Node-ID"

// LivenessHandler responds OK as long as the process can serve HTTP.
// It never runs checks: a node that lost its database is still alive and
// must not be restarted for it.
func LivenessHandler(opts ...Option) http.HandlerFunc {
	cfg := newConfig(opts...)

	return func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, http.StatusOK, &Response{Status: StatusHealthy, Node: cfg.node})
	}
}

// ReadinessHandler runs checks on every request and responds 503 when any
// fails, taking the node out of rotation until its task service is READY
// and its storage answers.
func ReadinessHandler(checks Checks, opts ...Option) http.HandlerFunc {
	cfg := newConfig(opts...)

	return func(w http.ResponseWriter, r *http.Request) {
		resp := runChecks(r.Context(), checks, cfg)

		status := http.StatusOK
		if resp.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		respond(w, r, status, resp)
	}
}

// respond writes resp as JSON when the client asks for it and as a short
// plain text status otherwise.
func respond(w http.ResponseWriter, r *http.Request, status int, resp *Response) {
	if resp.Node != "" {
		w.Header().Set(nodeHeader, resp.Node)
	}

	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = w.Write([]byte("OK"))
		return
	}
	_, _ = w.Write([]byte(http.StatusText(status)))
}

func wantsJSON(r *http.Request) bool {
	return r.URL.Query().Get("format") == "json" ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}
