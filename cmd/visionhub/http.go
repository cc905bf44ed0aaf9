package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"visionhub/internal/annotator"
	"visionhub/internal/auth"
	"visionhub/internal/bridge"
	"visionhub/internal/catalog"
	"visionhub/internal/config"
	"visionhub/internal/ingress"
	"visionhub/internal/log"
	"visionhub/internal/middleware"
	"visionhub/internal/store"
)

// server is the HTTP control plane plus the two WebSocket mounts.
type server struct {
	cfg       config.Config
	store     *store.FrameStore
	annotator *annotator.Annotator
	bridge    *bridge.Bridge
	ingress   *ingress.Handler
	catalog   *catalog.Catalog
	auth      *auth.Authenticator
	logger    zerolog.Logger
}

func newServer(cfg config.Config, st *store.FrameStore, ann *annotator.Annotator,
	br *bridge.Bridge, ing *ingress.Handler, cat *catalog.Catalog, authn *auth.Authenticator) *server {
	return &server{
		cfg:       cfg,
		store:     st,
		annotator: ann,
		bridge:    br,
		ingress:   ing,
		catalog:   cat,
		auth:      authn,
		logger:    log.WithComponent("http"),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/ar-stream", s.ingress.HandleDevice)
	r.Get("/ws/dashboard", s.bridge.HandleViewer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stream", s.handleStream)
		r.Get("/recordings", s.handleListRecordings)
		r.Get("/playback/status", s.handlePlaybackStatus)
		r.Post("/auth/login", s.handleLogin)

		// Mutating endpoints require a token when auth is enabled.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.auth))
			r.Post("/recordings/save", s.handleSaveRecording)
			r.Post("/playback/start", s.handlePlaybackStart)
			r.Post("/playback/stop", s.handlePlaybackStop)
			r.Post("/upload_recording", s.handleUpload)
			r.Post("/segment/prompt", s.handlePrompt)
		})
	})

	if info, err := os.Stat(s.cfg.Dashboard.Dir); err == nil && info.IsDir() {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.Dashboard.Dir)))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 "ok",
		"viewers":                s.bridge.ConnectionCount(),
		"segmentation_connected": s.annotator.Connected(),
		"stream":                 s.store.Stats(),
	})
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, expiresAt, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			writeError(w, http.StatusBadRequest, "authentication is disabled")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_at": expiresAt})
}

func (s *server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.catalog.Refresh(s.cfg.Recordings.Dir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []catalog.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": recs})
}

// safeFilename rejects anything that could escape the recordings dir.
func safeFilename(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\`) && name != "." && name != ".." &&
		!strings.HasPrefix(name, ".")
}

func (s *server) handleSaveRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // empty body means default name
	}
	if req.Filename == "" {
		req.Filename = fmt.Sprintf("session_%s.pb", time.Now().Format("20060102_150405"))
	}
	if !safeFilename(req.Filename) {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	if !strings.HasSuffix(req.Filename, ".pb") {
		req.Filename += ".pb"
	}
	if s.store.FrameCount() == 0 {
		writeError(w, http.StatusBadRequest, "no frames buffered")
		return
	}

	path := filepath.Join(s.cfg.Recordings.Dir, req.Filename)
	n, err := s.store.Save(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.upsertCatalog(path, n)
	writeJSON(w, http.StatusOK, map[string]any{"filename": req.Filename, "frames": n})
}

func (s *server) upsertCatalog(path string, frames int) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	rec := catalog.Record{
		Filename:        filepath.Base(path),
		SizeBytes:       info.Size(),
		FrameCount:      frames,
		DeviceID:        s.store.DeviceID(),
		AnnotationCount: s.annotator.CompletedCount(),
		ModifiedAt:      info.ModTime(),
	}
	if err := s.catalog.Upsert(rec); err != nil {
		s.logger.Warn().Err(err).Str("filename", rec.Filename).Msg("catalog upsert failed")
	}
}

func (s *server) handlePlaybackStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string  `json:"filename"`
		Speed    float64 `json:"speed"`
		Loop     bool    `json:"loop"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	if !safeFilename(req.Filename) {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	if req.Speed <= 0 {
		req.Speed = 1
	}

	path := filepath.Join(s.cfg.Recordings.Dir, req.Filename)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}

	frames, err := s.startPlayback(path, req.Speed, req.Loop)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"filename":     req.Filename,
		"frames":       frames,
		"is_replaying": s.store.IsReplaying(),
	})
}

// startPlayback runs the replay switch as one sequence: stop whatever
// runs, load the recording (clearing the session), load its sidecar,
// queue unannotated frames, then start timed playback. Viewers never
// observe partial state between these steps.
func (s *server) startPlayback(path string, speed float64, loop bool) (int, error) {
	s.store.StopReplay()
	s.annotator.Stop()

	frames, err := s.store.LoadRecording(path)
	if err != nil {
		return 0, err
	}
	if _, err := s.annotator.LoadAnnotations(path); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("sidecar load failed")
	}
	s.annotator.AnnotateRecording(s.store.AllFrames())
	s.store.StartReplay(speed, loop)
	s.upsertCatalog(path, frames)
	return frames, nil
}

func (s *server) handlePlaybackStop(w http.ResponseWriter, r *http.Request) {
	s.store.StopReplay()
	s.annotator.Stop()
	writeJSON(w, http.StatusOK, map[string]any{
		"is_replaying": false,
		"source":       string(s.store.Source()),
	})
}

func (s *server) handlePlaybackStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"is_replaying": s.store.IsReplaying(),
		"source":       string(s.store.Source()),
	})
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !safeFilename(name) || !strings.HasSuffix(name, ".pb") {
		writeError(w, http.StatusBadRequest, "expected a .pb recording")
		return
	}

	if err := os.MkdirAll(s.cfg.Recordings.Dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	path := filepath.Join(s.cfg.Recordings.Dir, name)
	dst, err := os.Create(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dst.Close()
	s.logger.Info().Str("filename", name).Msg("recording uploaded")

	frames, err := s.startPlayback(path, 1, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filename": name, "frames": frames})
}

func (s *server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var p annotator.Prompt
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.annotator.SendPrompt(r.Context(), p); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
