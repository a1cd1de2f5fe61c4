// Package apiserver implements the local control endpoint: a
// loopback-only HTTP listener that converts an inbound browser-extension
// URL push into a call on the Enqueue API, plus a small JSON management
// API the CLI's list/pause/resume/stop/retry commands use against a running
// daemon, both built on stdlib net/http with a ServeMux, a logging
// middleware, and a writeJSON helper.
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/grabd/grabd/internal/enqueue"
	"github.com/grabd/grabd/internal/events"
	"github.com/grabd/grabd/internal/history"
	"github.com/grabd/grabd/internal/item"
	"github.com/grabd/grabd/internal/scheduler"
)

// allowedExtensions is the file-type whitelist for push requests; an empty
// extension is also accepted (e.g. extensionless download links).
var allowedExtensions = map[string]bool{
	"":     true,
	"pdf":  true,
	"mp4":  true,
	"mp3":  true,
	"avi":  true,
	"mkv":  true,
	"wav":  true,
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"bmp":  true,
	"gif":  true,
	"webp": true,
	"zip":  true,
	"rar":  true,
	"7z":   true,
	"tar":  true,
	"gz":   true,
	"exe":  true,
	"msi":  true,
	"apk":  true,
	"iso":  true,
	"bin":  true,
	"doc":  true,
	"docx": true,
	"xls":  true,
	"xlsx": true,
	"ppt":  true,
	"pptx": true,
	"txt":  true,
	"csv":  true,
	"json": true,
	"xml":  true,
	"html": true,
}

// Confirm is consulted for every accepted push-request before enqueueing,
// standing in for the out-of-scope UI confirmation dialog; the default
// wired by Server is an unconditional accept (suitable for a headless
// daemon), but callers (e.g. a TUI front-end) may supply their own.
type Confirm func(rawURL string) bool

// Response is the standard management-API response envelope.
type Response struct {
	Code    int         `json:"code"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Server hosts both the loopback control endpoint (served at "/") and the
// JSON management API (served at "/api/...") over the same listener.
type Server struct {
	Addr        string // host:port, loopback only (e.g. "127.0.0.1:8080")
	APIKey      string // optional; required via X-API-Key on /api/ routes
	IsVideoHost func(host string) bool
	Confirm     Confirm

	Enqueue   *enqueue.API
	Scheduler *scheduler.Scheduler
	History   *history.Store
	Bus       *events.Bus
	Items     *Registry

	srv *http.Server
}

// Registry is the opaque-identifier → *item.Item lookup the design notes
// call for ("a central registry owned by the Scheduler... UI observers
// consult the registry under a snapshot read").
type Registry struct {
	get    func(id string) (*item.Item, bool)
	all    func() []*item.Item
	remove func(id string)
}

// NewRegistry wraps accessor functions (typically closures over a map the
// daemon maintains alongside the Scheduler) as a Registry. remove may be
// nil when the caller never deletes items.
func NewRegistry(get func(string) (*item.Item, bool), all func() []*item.Item, remove func(string)) *Registry {
	return &Registry{get: get, all: all, remove: remove}
}

// New builds a Server. If s.Confirm is nil, requests are auto-accepted.
func New(addr string) *Server {
	return &Server{Addr: addr, Confirm: func(string) bool { return true }}
}

// Start begins serving; it blocks until Stop shuts the listener down.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleControl)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobAction)
	mux.HandleFunc("/api/scheduler/", s.handleScheduler)
	mux.HandleFunc("/api/health", s.handleHealth)

	var handler http.Handler = mux
	if s.APIKey != "" {
		handler = s.authMiddleware(handler)
	}
	handler = s.loggingMiddleware(handler)
	handler = s.corsMiddleware(handler)

	s.srv = &http.Server{
		Addr:         s.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	log.Printf("[apiserver] listening on %s", s.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[apiserver] %s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.APIKey {
			s.writeJSON(w, http.StatusUnauthorized, Response{Code: 401, Message: "invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// handleControl accepts browser-extension push requests: GET/HEAD only,
// request URI either "/<path>" (URL built from Host+path) or
// "/?url=<percent-encoded absolute URL>".
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "HEAD request acknowledged")
		return
	}

	rawURL, err := resolveRequestedURL(r)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	isVideo := s.IsVideoHost != nil && s.IsVideoHost(parsed.Host)
	if !isVideo && !extensionAllowed(parsed.Path) {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if s.Confirm != nil && !s.Confirm(rawURL) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "Download cancelled")
		return
	}

	_, err = s.Enqueue.Enqueue(enqueue.Request{URL: rawURL, VideoMode: isVideo})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "Download failed: %v", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Download started")
}

// resolveRequestedURL implements the two accepted request shapes.
func resolveRequestedURL(r *http.Request) (string, error) {
	if q := r.URL.Query().Get("url"); q != "" {
		return q, nil
	}
	if r.URL.Path == "" || r.URL.Path == "/" {
		return "", fmt.Errorf("apiserver: no path or url query given")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path), nil
}

func extensionAllowed(p string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(p), "."))
	return allowedExtensions[ext]
}

// jobView is the JSON shape of one item for the management API.
type jobView struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	DestPath        string  `json:"dest_path"`
	State           string  `json:"state"`
	DownloadedSize  int64   `json:"downloaded_size"`
	TotalSize       int64   `json:"total_size"`
	Progress        float64 `json:"progress"`
	TransferRateBps int64   `json:"transfer_rate_bps"`
	FailReason      string  `json:"fail_reason,omitempty"`
}

func toJobView(snap item.Snapshot) jobView {
	var progress float64
	if snap.TotalSize > 0 {
		progress = float64(snap.DownloadedSize) / float64(snap.TotalSize)
	}
	return jobView{
		ID:              snap.ID,
		URL:             snap.URL,
		DestPath:        snap.DestPath,
		State:           string(snap.State),
		DownloadedSize:  snap.DownloadedSize,
		TotalSize:       snap.TotalSize,
		Progress:        progress,
		TransferRateBps: snap.TransferRateBps,
		FailReason:      snap.FailReason,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Code: 200, Data: map[string]string{"status": "ok"}})
}

// handleJobs handles GET /api/jobs (list), POST /api/jobs (enqueue), and
// DELETE /api/jobs (clear every item in a terminal state).
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodDelete:
		removed := 0
		for _, it := range s.Items.all() {
			switch it.Snapshot().State {
			case item.Completed, item.Failed, item.Stopped:
				if s.Scheduler.Remove(it.ID()) {
					if s.Items.remove != nil {
						s.Items.remove(it.ID())
					}
					removed++
				}
			}
		}
		s.writeJSON(w, http.StatusOK, Response{Code: 200, Data: map[string]int{"removed": removed}})
	case http.MethodGet:
		var views []jobView
		for _, it := range s.Items.all() {
			views = append(views, toJobView(it.Snapshot()))
		}
		s.writeJSON(w, http.StatusOK, Response{Code: 200, Data: views})
	case http.MethodPost:
		var req struct {
			URL       string `json:"url"`
			DestDir   string `json:"dest_dir"`
			Category  string `json:"category"`
			VideoMode bool   `json:"video_mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
			return
		}
		it, err := s.Enqueue.Enqueue(enqueue.Request{URL: req.URL, DestDir: req.DestDir, Category: req.Category, VideoMode: req.VideoMode})
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
			return
		}
		if it == nil {
			s.writeJSON(w, http.StatusOK, Response{Code: 200, Message: "cancelled"})
			return
		}
		s.writeJSON(w, http.StatusOK, Response{Code: 200, Data: toJobView(it.Snapshot())})
	default:
		s.writeJSON(w, http.StatusMethodNotAllowed, Response{Code: 405, Message: "method not allowed"})
	}
}

// handleJobAction handles POST /api/jobs/{id}/{action}, where action is
// one of pause, resume, stop, retry, refresh (?url=), limit (?bps=), or
// delete (?files=1 to also remove partial/final files).
func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, Response{Code: 405, Message: "method not allowed"})
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		s.writeJSON(w, http.StatusBadRequest, Response{Code: 400, Message: "expected /api/jobs/{id}/{action}"})
		return
	}
	id, action := parts[0], parts[1]
	it, ok := s.Items.get(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, Response{Code: 404, Message: "job not found"})
		return
	}

	var err error
	switch action {
	case "pause":
		err = it.Pause()
	case "stop":
		err = it.Stop()
	case "resume":
		// Only a Paused item resumes. It is normally already sitting in
		// the Scheduler's queue (onTerminal puts it back there), so Enqueue
		// is a no-op; a Paused item restored from history is added to the
		// queue here. ResumeAll then pumps the queue.
		if st := it.Snapshot().State; st != item.Paused {
			err = fmt.Errorf("resume only applies to a paused job (state %s)", st)
			break
		}
		s.Scheduler.Enqueue(it)
		s.Scheduler.ResumeAll()
	case "retry":
		if rerr := it.Retry(); rerr != nil {
			err = rerr
			break
		}
		s.Scheduler.Enqueue(it)
	case "refresh":
		// "Refresh link": swap the URL while keeping progress intact.
		newURL := r.URL.Query().Get("url")
		if newURL == "" {
			err = fmt.Errorf("refresh requires a url query parameter")
			break
		}
		if u, perr := url.Parse(newURL); perr != nil || (u.Scheme != "http" && u.Scheme != "https") {
			err = fmt.Errorf("invalid url %q", newURL)
			break
		}
		err = it.SetURL(newURL)
	case "limit":
		bps, perr := strconv.ParseInt(r.URL.Query().Get("bps"), 10, 64)
		if perr != nil || bps < 0 {
			err = fmt.Errorf("limit requires a non-negative bps query parameter")
			break
		}
		it.SetSpeedLimit(bps)
	case "delete":
		if st := it.Snapshot().State; st == item.Downloading {
			err = fmt.Errorf("job is downloading; pause or stop it first")
			break
		}
		if r.URL.Query().Get("files") == "1" {
			if ferr := it.RemoveFiles(); ferr != nil {
				err = ferr
				break
			}
		}
		if !s.Scheduler.Remove(id) {
			err = fmt.Errorf("job is active; pause or stop it first")
			break
		}
		if s.Items.remove != nil {
			s.Items.remove(id)
		}
	default:
		s.writeJSON(w, http.StatusBadRequest, Response{Code: 400, Message: "unknown action " + action})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Code: 200, Data: toJobView(it.Snapshot())})
}

// handleScheduler handles POST /api/scheduler/{action} for the queue-wide
// operations: pause_all, resume_all, stop_all, limit (?bps=N, 0 disables),
// and max_concurrent (?n=N).
func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, Response{Code: 405, Message: "method not allowed"})
		return
	}
	action := strings.TrimPrefix(r.URL.Path, "/api/scheduler/")
	switch action {
	case "pause_all":
		s.Scheduler.PauseAll()
	case "resume_all":
		s.Scheduler.ResumeAll()
	case "stop_all":
		s.Scheduler.StopAll()
	case "limit":
		bps, err := strconv.ParseInt(r.URL.Query().Get("bps"), 10, 64)
		if err != nil || bps < 0 {
			s.writeJSON(w, http.StatusBadRequest, Response{Code: 400, Message: "limit requires a non-negative bps query parameter"})
			return
		}
		s.Scheduler.SetGlobalSpeedLimit(bps, bps > 0)
	case "max_concurrent":
		n, err := strconv.Atoi(r.URL.Query().Get("n"))
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, Response{Code: 400, Message: "max_concurrent requires a positive n query parameter"})
			return
		}
		s.Scheduler.SetMaxConcurrent(n)
	default:
		s.writeJSON(w, http.StatusBadRequest, Response{Code: 400, Message: "unknown action " + action})
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Code: 200, Message: action})
}

// FormatSize renders bytes as a human-readable size, used by the CLI's
// plain-text `list` output.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + "B"
	}
	div, exp := int64(unit), 0
	for n/div >= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
