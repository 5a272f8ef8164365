package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/voxcapture/internal/audio"
	"github.com/audiolibrelab/voxcapture/internal/chat"
	"github.com/audiolibrelab/voxcapture/internal/config"
	"github.com/audiolibrelab/voxcapture/internal/metrics"
	"github.com/audiolibrelab/voxcapture/internal/service"
	"github.com/audiolibrelab/voxcapture/internal/session"
	"github.com/audiolibrelab/voxcapture/internal/upload"
)

const shutdownTimeout = 5 * time.Second

// Server represents the local HTTP control surface for voxcapture
type Server struct {
	service    service.Service
	configFile string
	port       string
	metrics    *metrics.Metrics

	// listCapturePorts is swapped out in tests
	listCapturePorts func() ([]audio.CapturePort, error)
}

// StatusResponse represents the JSON response for the status endpoint
type StatusResponse struct {
	State          session.State       `json:"state"`
	Status         string              `json:"status"`
	SessionID      string              `json:"session_id,omitempty"`
	SilenceArmed   bool                `json:"silence_armed"`
	ClipBytes      int                 `json:"clip_bytes"`
	ClipDurationMs int64               `json:"clip_duration_ms"`
	LastError      string              `json:"last_error,omitempty"`
	Config         *ResolvedConfigInfo `json:"resolved_config"`
}

// ResolvedConfigInfo contains configuration information for the UI
type ResolvedConfigInfo struct {
	ActiveProfile string `json:"active_profile"`
	Device        string `json:"device"`
	SampleRate    int    `json:"sample_rate"`
	Threshold     int    `json:"threshold"`
	GracePeriodMs int    `json:"grace_period_ms"`
	WindowSize    int    `json:"window_size"`
	Endpoint      string `json:"endpoint"`
	OutputDir     string `json:"output_dir"`
	SaveClips     bool   `json:"save_clips"`
}

// SourceInfo contains information about a capture port
type SourceInfo struct {
	Name    string `json:"name"`
	Node    string `json:"node"`
	Port    string `json:"port"`
	Monitor bool   `json:"monitor"`
}

// SourcesResponse represents the JSON response for the sources endpoint
type SourcesResponse struct {
	Sources []SourceInfo `json:"sources"`
}

// ClipsResponse represents the JSON response for the clips endpoint
type ClipsResponse struct {
	Clips           []service.ClipInfo `json:"clips"`
	TotalCount      int                `json:"total_count"`
	OutputDirectory string             `json:"output_directory"`
}

// MessagesResponse represents the JSON response for the messages endpoint
type MessagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

// ChatRequest is the body of POST /chat
type ChatRequest struct {
	Text string `json:"text"`
}

// ProfileSelectRequest is the body of POST /config/select
type ProfileSelectRequest struct {
	Profile string `json:"profile"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// New creates a new web server instance
func New(configFile string, port string) (*Server, error) {
	cfg, err := config.LoadWithProfile(configFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return NewWithService(service.New(cfg, configFile, nil), configFile, port), nil
}

// NewWithService creates a server around an existing service
func NewWithService(svc service.Service, configFile string, port string) *Server {
	return &Server{
		service:          svc,
		configFile:       configFile,
		port:             port,
		metrics:          metrics.Default,
		listCapturePorts: audio.NewPipeWire().ListCapturePorts,
	}
}

// Router builds the HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/", s.handleIndex)
	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Post("/upload", s.handleUpload)
	r.Get("/status", s.handleStatus)
	r.Get("/messages", s.handleMessages)
	r.Post("/chat", s.handleChat)
	r.Get("/sources", s.handleSources)

	r.Get("/config/profiles", s.handleProfiles)
	r.Post("/config/select", s.handleSelectProfile)

	r.Route("/clips", func(r chi.Router) {
		r.Get("/", s.handleClips)
		r.Post("/save", s.handleSaveClip)
		r.Get("/{name}", s.handleClipStream)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully and
// releases the microphone
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting voxcapture control server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.service.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down control server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	s.service.Close()
	return err
}

// instrument records request counts and latency per route pattern
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		slog.Debug("HTTP request", "method", r.Method, "route", route, "status", status, "elapsed", time.Since(start))
	})
}

// handleIndex serves a minimal page listing the API
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>voxcapture</title>
</head>
<body>
    <h1>voxcapture</h1>
    <p>Speak after starting a recording; it stops by itself once you go quiet.</p>
    <ul>
        <li>POST /start - Start recording</li>
        <li>POST /stop?upload=1 - Stop recording, optionally uploading the clip</li>
        <li>POST /upload - Upload the last clip</li>
        <li>GET /status - Session state</li>
        <li>GET /messages - Chat transcript</li>
        <li>POST /chat - Send a typed message</li>
        <li>GET /clips - Saved clips</li>
        <li>GET /metrics - Prometheus metrics</li>
    </ul>
</body>
</html>`

// handleStart opens the microphone (IDLE -> RECORDING)
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StartRecording(r.Context()); err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "start_recording")
		return
	}

	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording started"})
}

// handleStop ends the recording; ?upload=1 delivers the clip as well
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	autoUpload := isTruthy(r.URL.Query().Get("upload"))

	if err := s.service.StopRecording(r.Context(), autoUpload); err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording", "upload", autoUpload)
		return
	}

	message := "Recording stopped"
	if autoUpload {
		message = "Recording stopped and uploaded"
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: message})
}

// handleUpload delivers the finalized clip
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Upload(r.Context()); err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Upload failed: %v", err),
			"operation", "upload")
		return
	}

	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: session.StatusUploaded})
}

// handleStatus returns the session state and resolved config
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.service.GetStatus()

	s.sendJSON(w, http.StatusOK, StatusResponse{
		State:          snap.State,
		Status:         snap.Status,
		SessionID:      snap.ID,
		SilenceArmed:   snap.SilenceArmed,
		ClipBytes:      snap.ClipBytes,
		ClipDurationMs: snap.ClipDuration.Milliseconds(),
		LastError:      s.service.GetLastError(),
		Config:         s.getResolvedConfigInfo(),
	})
}

func (s *Server) getResolvedConfigInfo() *ResolvedConfigInfo {
	cfg := s.service.GetConfig()
	return &ResolvedConfigInfo{
		ActiveProfile: cfg.Profile,
		Device:        cfg.Capture.Device,
		SampleRate:    cfg.Capture.SampleRate,
		Threshold:     cfg.Silence.Threshold,
		GracePeriodMs: cfg.Silence.GracePeriodMs,
		WindowSize:    cfg.Silence.WindowSize,
		Endpoint:      cfg.Upload.Endpoint,
		OutputDir:     cfg.Output.Directory,
		SaveClips:     cfg.Output.ShouldSaveClips(),
	}
}

// handleMessages returns the chat transcript
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.service.Messages()
	if msgs == nil {
		msgs = []chat.Message{}
	}
	s.sendJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

// handleChat forwards a typed message to the text endpoint
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON body", "operation", "chat")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Text is required", "operation", "chat")
		return
	}

	result, err := s.service.SendText(r.Context(), req.Text)
	if err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Chat request failed: %v", err),
			"operation", "chat")
		return
	}

	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: result})
}

// handleSources lists PipeWire capture ports
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	ports, err := s.listCapturePorts()
	if err != nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable,
			fmt.Sprintf("Failed to list capture sources: %v", err),
			"operation", "list_sources")
		return
	}

	response := SourcesResponse{Sources: make([]SourceInfo, 0, len(ports))}
	for _, p := range ports {
		response.Sources = append(response.Sources, SourceInfo{
			Name:    p.Name(),
			Node:    p.Node,
			Port:    p.Port,
			Monitor: p.Monitor,
		})
	}
	s.sendJSON(w, http.StatusOK, response)
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := config.ProfileNames(s.configFile)
	if err != nil {
		slog.Debug("No profiles available", "config", s.configFile, "error", err)
		profiles = nil
	}
	if len(profiles) == 0 {
		profiles = []string{"default"}
	}
	sort.Strings(profiles)

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": profiles,
		"active":   s.service.GetConfig().Profile,
	})
}

// handleSelectProfile switches the running service to another profile
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required", "operation", "select_profile")
		return
	}

	if err := s.service.LoadProfile(req.Profile); err != nil {
		s.sendErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("Failed to select profile: %v", err),
			"operation", "select_profile", "profile", req.Profile)
		return
	}

	slog.Info("Profile selected", "profile", req.Profile)
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Profile '%s' selected", req.Profile)})
}

// handleClips lists saved clips
func (s *Server) handleClips(w http.ResponseWriter, r *http.Request) {
	clips, err := s.service.ListClips()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list clips: %v", err),
			"operation", "list_clips")
		return
	}
	if clips == nil {
		clips = []service.ClipInfo{}
	}

	s.sendJSON(w, http.StatusOK, ClipsResponse{
		Clips:           clips,
		TotalCount:      len(clips),
		OutputDirectory: s.service.GetConfig().Output.Directory,
	})
}

// handleSaveClip writes the finalized clip to the output directory
func (s *Server) handleSaveClip(w http.ResponseWriter, r *http.Request) {
	path, err := s.service.SaveClip(r.URL.Query().Get("name"))
	if err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to save clip: %v", err),
			"operation", "save_clip")
		return
	}

	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: path})
}

// handleClipStream serves a saved clip for playback in the browser
func (s *Server) handleClipStream(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "name")

	// Prevent path traversal
	if filename == "" || strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}
	if !strings.EqualFold(filepath.Ext(filename), ".wav") {
		http.Error(w, "File type not supported", http.StatusForbidden)
		return
	}

	filePath := filepath.Join(s.service.GetConfig().Output.Directory, filename)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, filename, info.ModTime(), file)
}

// statusForError maps domain errors onto HTTP status codes
func statusForError(err error) int {
	var devErr *session.DeviceError
	var uploadErr *upload.UploadError
	switch {
	case errors.Is(err, session.ErrAlreadyRecording), errors.Is(err, session.ErrUploadInProgress):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoClip):
		return http.StatusBadRequest
	case errors.As(err, &devErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &uploadErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// sendErrorResponse sends a standardized error response and logs the error
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	s.sendJSON(w, statusCode, GenericResponse{
		Success: false,
		Error:   errorMsg,
	})
}

func getLocalIP() string {
	// Dialing UDP sends nothing; it only selects the outbound interface
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
