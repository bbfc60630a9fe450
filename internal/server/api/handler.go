// Package api is the HTTP surface of the upload server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/cryptox"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
	"github.com/dmitrijs2005/chunkrelay/internal/server/archive"
	"github.com/dmitrijs2005/chunkrelay/internal/server/auth"
	"github.com/dmitrijs2005/chunkrelay/internal/server/envelope"
	"github.com/dmitrijs2005/chunkrelay/internal/server/metrics"
	"github.com/dmitrijs2005/chunkrelay/internal/server/resolver"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "chunkrelay"

// DefaultMaxChunkBytes bounds a chunk body when Options leaves it unset.
const DefaultMaxChunkBytes = 64 << 20

// Archiver copies a reassembled file to object storage.
type Archiver interface {
	Archive(ctx context.Context, localPath, name string) (*archive.Result, error)
}

// Options wires the handler. Keys and Opener are nil when encryption is
// off; Archiver is nil when no bucket is configured.
type Options struct {
	ListenAddr    string
	MaxChunkBytes int64

	Resolver *resolver.Resolver
	Auth     *auth.Authenticator
	Metrics  *metrics.Metrics
	Keys     *cryptox.Keyring
	Opener   *envelope.Opener
	Archiver Archiver
	Logger   logging.Logger
}

// Handler wires HTTP routes to the resolver.
type Handler struct {
	opts   Options
	logger logging.Logger
}

// NewHandler creates a Handler instance.
func NewHandler(opts Options) *Handler {
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Handler{opts: opts, logger: opts.Logger.With("module", "api")}
}

// Router returns a configured chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			common.HeaderChunkIndex, common.HeaderFileName,
			common.HeaderSessionID, common.HeaderKeyID, common.HeaderWrappedKey,
		},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)
	r.Get("/keys/public", h.handlePublicKey)
	r.Method(http.MethodGet, "/metrics", h.opts.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.withAuth)
		r.Post("/upload", h.handleUpload)
		r.Get("/info", h.handleInfo)
		r.Delete("/sessions", h.handleClearSessions)
		r.Post("/archive/*", h.handleArchive)
	})

	return r
}

type uploadResponse struct {
	Message        string `json:"message"`
	ActualFilename string `json:"actualFilename"`
	ChunkIndex     int    `json:"chunkIndex"`
	ClientFilename string `json:"clientFilename"`
}

type infoResponse struct {
	Port           int    `json:"port"`
	UploadDir      string `json:"uploadDir"`
	PathMode       string `json:"pathMode"`
	APIKeysCount   int    `json:"apiKeysCount"`
	Encryption     bool   `json:"encryption"`
	ActiveSessions int    `json:"activeSessions"`
	Archive        bool   `json:"archive"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	defer h.opts.Metrics.ObserveDuration("/upload", time.Now())
	ctx := r.Context()
	mode := string(h.opts.Resolver.Mode())

	index, err := parseChunkIndex(r.Header.Get(common.HeaderChunkIndex))
	if err != nil {
		h.opts.Metrics.ObserveChunk(mode, metrics.StatusRejected, 0)
		writeError(w, http.StatusBadRequest, "Invalid chunk index", err.Error())
		return
	}

	clientName := r.Header.Get(common.HeaderFileName)
	if clientName == "" {
		h.opts.Metrics.ObserveChunk(mode, metrics.StatusRejected, 0)
		writeError(w, http.StatusBadRequest, "Invalid filename", "missing "+common.HeaderFileName+" header")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxChunkBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.opts.Metrics.ObserveChunk(mode, metrics.StatusRejected, 0)
			writeError(w, http.StatusRequestEntityTooLarge, "Chunk too large",
				"chunk exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return
		}
		h.opts.Metrics.ObserveChunk(mode, metrics.StatusError, 0)
		writeError(w, http.StatusInternalServerError, "Upload error", err.Error())
		return
	}

	if sessionID := r.Header.Get(common.HeaderSessionID); sessionID != "" {
		if h.opts.Opener == nil {
			h.opts.Metrics.ObserveChunk(mode, metrics.StatusRejected, 0)
			writeError(w, http.StatusBadRequest, "Encryption not enabled", "")
			return
		}
		body, err = h.opts.Opener.Open(ctx, envelope.Headers{
			SessionID:  sessionID,
			KeyID:      r.Header.Get(common.HeaderKeyID),
			WrappedKey: r.Header.Get(common.HeaderWrappedKey),
		}, index, body)
		if err != nil {
			h.opts.Metrics.DecryptFailures.Inc()
			h.opts.Metrics.ObserveChunk(mode, metrics.StatusRejected, 0)
			writeError(w, http.StatusBadRequest, "Decryption failed", err.Error())
			return
		}
	}

	res, err := h.opts.Resolver.Resolve(ctx, clientName, index)
	if err != nil {
		h.writeResolveError(w, mode, err)
		return
	}

	n, err := h.opts.Resolver.Append(ctx, res, body)
	if err != nil {
		h.logger.Error(ctx, "upload error", "client_filename", clientName, "index", index, "error", err)
		h.opts.Metrics.ObserveChunk(mode, metrics.StatusError, 0)
		writeError(w, http.StatusInternalServerError, "Upload error", err.Error())
		return
	}

	h.opts.Metrics.ObserveChunk(mode, metrics.StatusOK, n)
	h.opts.Metrics.ActiveSessions.Set(float64(h.opts.Resolver.Sessions().Len()))
	h.logger.Info(ctx, "chunk received", "index", index, "client_filename", clientName, "actual_filename", res.ActualFilename)

	writeJSON(w, http.StatusOK, uploadResponse{
		Message:        "Chunk received",
		ActualFilename: res.ActualFilename,
		ChunkIndex:     index,
		ClientFilename: clientName,
	})
}

// parseChunkIndex treats a missing header as chunk 0.
func parseChunkIndex(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	idx, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.New("chunk index must be a non-negative integer")
	}
	if idx < 0 {
		return 0, errors.New("chunk index must be a non-negative integer")
	}
	return idx, nil
}

func (h *Handler) writeResolveError(w http.ResponseWriter, mode string, err error) {
	var rerr *resolver.Error
	switch {
	case errors.As(err, &rerr) && errors.Is(err, common.ErrAccessDenied):
		h.opts.Metrics.ObserveChunk(mode, metrics.StatusDenied, 0)
		writeError(w, http.StatusForbidden, "Access denied: invalid path", rerr.Detail)
	case errors.As(err, &rerr):
		h.opts.Metrics.ObserveChunk(mode, metrics.StatusRejected, 0)
		writeError(w, http.StatusBadRequest, "Invalid filename", rerr.Detail)
	default:
		h.opts.Metrics.ObserveChunk(mode, metrics.StatusError, 0)
		writeError(w, http.StatusInternalServerError, "Upload error", err.Error())
	}
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Port:           listenPort(h.opts.ListenAddr),
		UploadDir:      h.opts.Resolver.Root(),
		PathMode:       string(h.opts.Resolver.Mode()),
		APIKeysCount:   h.opts.Auth.KeyCount(),
		Encryption:     h.opts.Keys != nil,
		ActiveSessions: h.opts.Resolver.Sessions().Len(),
		Archive:        h.opts.Archiver != nil,
	})
}

func listenPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

func (h *Handler) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	n := h.opts.Resolver.Sessions().Clear()
	if h.opts.Opener != nil {
		h.opts.Opener.Clear()
	}
	h.opts.Metrics.ActiveSessions.Set(0)
	h.logger.Info(r.Context(), "sessions cleared", "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if h.opts.Keys == nil {
		writeError(w, http.StatusNotFound, "Encryption not enabled", "")
		return
	}
	kp := h.opts.Keys.Active()
	writeJSON(w, http.StatusOK, map[string]string{"kid": kp.KID, "publicKey": kp.PublicKeyPEM})
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	defer h.opts.Metrics.ObserveDuration("/archive", time.Now())
	if h.opts.Archiver == nil {
		writeError(w, http.StatusNotFound, "Archive not configured", "")
		return
	}

	name, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || name == "" || strings.Contains(name, "..") {
		writeError(w, http.StatusBadRequest, "Invalid filename", "archive name must be a path inside the upload directory")
		return
	}

	local := filepath.Join(h.opts.Resolver.Root(), filepath.FromSlash(name))
	if !h.opts.Resolver.Contains(local) {
		h.logger.Error(r.Context(), "archive path escape attempt blocked", "name", name)
		writeError(w, http.StatusForbidden, "Access denied: invalid path", "")
		return
	}

	res, err := h.opts.Archiver.Archive(r.Context(), local, name)
	switch {
	case errors.Is(err, common.ErrNotFound):
		h.opts.Metrics.ArchivedFiles.WithLabelValues(metrics.StatusRejected).Inc()
		writeError(w, http.StatusNotFound, "File not found", name)
	case errors.Is(err, common.ErrInvalidInput):
		h.opts.Metrics.ArchivedFiles.WithLabelValues(metrics.StatusRejected).Inc()
		writeError(w, http.StatusBadRequest, "Invalid filename", err.Error())
	case err != nil:
		h.opts.Metrics.ArchivedFiles.WithLabelValues(metrics.StatusError).Inc()
		writeError(w, http.StatusBadGateway, "Archive error", err.Error())
	default:
		h.opts.Metrics.ArchivedFiles.WithLabelValues(metrics.StatusOK).Inc()
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.opts.Auth.Authenticate(r.Header.Get(common.HeaderAuthorization)); err != nil {
			h.logger.Warn(r.Context(), "unauthorized request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, auth.InvalidKeyMessage, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errMsg, message string) {
	body := map[string]string{"error": errMsg}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, status, body)
}
