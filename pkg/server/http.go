// Package server exposes protocol sessions over smart HTTP, SSH and the
// git:// daemon protocol.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/odvcencio/monogit/pkg/config"
	"github.com/odvcencio/monogit/pkg/monorepo"
	"github.com/odvcencio/monogit/pkg/object"
	"github.com/odvcencio/monogit/pkg/protocol"
	"github.com/odvcencio/monogit/pkg/storage"
)

const (
	infoRefsSuffix = "/info/refs"
	maxAPIBody     = 8 << 20
)

// HTTPHandler serves the smart HTTP protocol under any repository path and
// the JSON API under /api/v1.
type HTTPHandler struct {
	backend *protocol.Backend
	engine  *monorepo.Engine
	store   *storage.Storage
	cfg     *config.Config
	mux     *http.ServeMux
}

func NewHTTPHandler(backend *protocol.Backend, engine *monorepo.Engine, store *storage.Storage, cfg *config.Config) *HTTPHandler {
	h := &HTTPHandler{
		backend: backend,
		engine:  engine,
		store:   store,
		cfg:     cfg,
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /api/v1/refs", h.handleListRefs)
	h.mux.HandleFunc("POST /api/v1/files", h.handleCreateFile)
	h.mux.HandleFunc("/", h.handleGit)
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)
	logger.WithFields(logger.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   rec.status,
		"bytes":    rec.bytes,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("http request")
}

// responseRecorder remembers the status and whether the body was started,
// so errors after the first byte are only logged.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int64
	started bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.started {
		r.status = code
		r.started = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.started = true
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *HTTPHandler) handleGit(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	switch {
	case strings.HasSuffix(p, infoRefsSuffix) && r.Method == http.MethodGet:
		h.infoRefs(w, r, strings.TrimSuffix(p, infoRefsSuffix))
	case strings.HasSuffix(p, "/"+protocol.UploadPack.String()) && r.Method == http.MethodPost:
		h.rpc(w, r, protocol.UploadPack, strings.TrimSuffix(p, "/"+protocol.UploadPack.String()))
	case strings.HasSuffix(p, "/"+protocol.ReceivePack.String()) && r.Method == http.MethodPost:
		h.rpc(w, r, protocol.ReceivePack, strings.TrimSuffix(p, "/"+protocol.ReceivePack.String()))
	default:
		http.NotFound(w, r)
	}
}

func (h *HTTPHandler) infoRefs(w http.ResponseWriter, r *http.Request, repoPath string) {
	name := r.URL.Query().Get("service")
	if name == "" {
		http.Error(w, "dumb http protocol is not supported", http.StatusForbidden)
		return
	}
	svc, err := protocol.ParseServiceType(name)
	if err != nil {
		writeGitError(w, err)
		return
	}
	s := h.backend.NewSession(protocol.TransportHTTP, repoPath)
	defer s.Close()

	var buf bytes.Buffer
	if err := s.Negotiate(svc); err != nil {
		writeGitError(w, err)
		return
	}
	if err := s.AdvertiseRefs(r.Context(), &buf); err != nil {
		writeGitError(w, err)
		return
	}
	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", svc))
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(buf.Bytes())
}

func (h *HTTPHandler) rpc(w http.ResponseWriter, r *http.Request, svc protocol.ServiceType, repoPath string) {
	if ct := r.Header.Get("Content-Type"); ct != fmt.Sprintf("application/x-%s-request", svc) {
		http.Error(w, "unexpected content type "+ct, http.StatusUnsupportedMediaType)
		return
	}
	body, err := decodeBody(r.Header.Get("Content-Encoding"), r.Body)
	if errors.Is(err, errUnsupportedEncoding) {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()

	s := h.backend.NewSession(protocol.TransportHTTP, repoPath)
	defer s.Close()
	if err := s.Negotiate(svc); err != nil {
		writeGitError(w, err)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-result", svc))
	w.Header().Set("Cache-Control", "no-cache")
	out, ok := w.(*responseRecorder)
	if !ok {
		out = &responseRecorder{ResponseWriter: w, status: http.StatusOK}
	}
	if svc == protocol.ReceivePack {
		err = s.ReceivePack(r.Context(), body, out)
	} else {
		err = s.UploadPack(r.Context(), body, out)
	}
	if err == nil {
		return
	}
	if out.started {
		logger.Warnf("[http] %s %s failed mid-response: %v", svc, s.Path, err)
		return
	}
	writeGitError(w, err)
}

func writeGitError(w http.ResponseWriter, err error) {
	code := protocol.StatusCode(err)
	if code >= http.StatusInternalServerError {
		logger.Errorf("[http] %v", err)
	}
	w.Header().Del("Content-Type")
	http.Error(w, err.Error(), code)
}

// apiError is the JSON error body of the API endpoints.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("[http] encode response: %v", err)
	}
}

func writeAPIError(w http.ResponseWriter, err error) {
	status := protocol.StatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("[http] api: %v", err)
	}
	code := strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
	writeJSON(w, status, apiError{Code: code, Message: err.Error()})
}

// RefInfo is one ref in the API listing.
type RefInfo struct {
	Name string          `json:"name"`
	ID   object.Hash     `json:"id"`
	Kind storage.RefKind `json:"kind"`
}

// RefsResponse answers GET /api/v1/refs.
type RefsResponse struct {
	Path string    `json:"path"`
	Refs []RefInfo `json:"refs"`
}

// CreateFileResponse answers POST /api/v1/files.
type CreateFileResponse struct {
	CommitID object.Hash `json:"commit_id"`
}

func (h *HTTPHandler) handleListRefs(w http.ResponseWriter, r *http.Request) {
	repoPath := h.cfg.NormalizeRepoPath(r.URL.Query().Get("path"))
	repo, err := h.store.GetRepoByPath(r.Context(), repoPath)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	refs, err := h.store.ListRefs(r.Context(), repo.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	resp := RefsResponse{Path: repoPath, Refs: make([]RefInfo, 0, len(refs))}
	for _, ref := range refs {
		resp.Refs = append(resp.Refs, RefInfo{Name: ref.RefName, ID: object.Hash(ref.RefGitID), Kind: ref.Kind})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var info monorepo.CreateFileInfo
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&info); err != nil {
		writeAPIError(w, fmt.Errorf("%w: decode request: %v", protocol.ErrProtocol, err))
		return
	}
	commitID, err := h.engine.CreateFile(r.Context(), info)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateFileResponse{CommitID: commitID})
}
