package transfer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrolink/internal/assembly"
	"github.com/jaywantadh/disktrolink/internal/errs"
	"github.com/jaywantadh/disktrolink/internal/events"
	"github.com/jaywantadh/disktrolink/internal/gate"
	"github.com/jaywantadh/disktrolink/internal/metadata"
	"github.com/jaywantadh/disktrolink/internal/share"
	"github.com/jaywantadh/disktrolink/pkg/logging"
)

// DefaultMaxChunkBytes bounds a single chunk request body.
const DefaultMaxChunkBytes = 64 << 20

// Server exposes the upload and retrieval API over HTTP.
type Server struct {
	store    *assembly.Store
	registry *share.Registry
	gate     *gate.Gate
	hub      *events.Hub

	maxChunkBytes int64
	heartbeat     time.Duration
	log           *logrus.Entry
}

type ServerOption func(*Server)

func WithMaxChunkBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxChunkBytes = n
		}
	}
}

// WithHeartbeat sets how often idle event streams get a keep-alive comment.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

func WithServerLogger(l *logrus.Entry) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer creates a new transfer server
func NewServer(store *assembly.Store, registry *share.Registry, g *gate.Gate, hub *events.Hub, opts ...ServerOption) *Server {
	s := &Server{
		store:         store,
		registry:      registry,
		gate:          g,
		hub:           hub,
		maxChunkBytes: DefaultMaxChunkBytes,
		heartbeat:     15 * time.Second,
		log:           logging.For("http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API with CORS and request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+EndpointUpload, s.handleUpload)
	mux.HandleFunc("GET "+EndpointDownload, s.handleDownload)
	mux.HandleFunc("GET "+EndpointFileInfo, s.handleFileInfo)
	mux.HandleFunc("GET "+EndpointUploadStatus, s.handleUploadStatus)
	mux.HandleFunc("GET "+EndpointEvents, s.handleEvents)
	mux.HandleFunc("GET "+EndpointHealth, s.handleHealth)
	return s.withLogging(withCORS(mux))
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", HeaderFilename, HeaderUploadID, HeaderChunkIndex, HeaderTotalChunks,
			HeaderTotalBytes, HeaderChunkHash, HeaderPassphrase, HeaderTTLMillis, HeaderOneTime,
		}, ", "))
		h.Set("Access-Control-Expose-Headers", "Content-Disposition, Content-Length, "+HeaderSessionKey)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"request_id": uuid.NewString(),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(start).String(),
		}).Debug("request handled")
	})
}

func normalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// handleUpload handles POST /api/upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	up, _, err := ParseChunkHeaders(r.Header)
	if err != nil {
		WriteErrorResponse(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxChunkBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			WriteErrorResponse(w, fmt.Errorf("%w: chunk exceeds %d bytes", errs.ErrTooLarge, s.maxChunkBytes))
			return
		}
		WriteErrorResponse(w, fmt.Errorf("%w: failed to read chunk data: %v", errs.ErrValidation, err))
		return
	}
	up.Data = body

	ack, err := s.store.AppendChunk(r.Context(), up)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"chunk": up.Index, "file": up.FileName}).Debug("chunk rejected")
		WriteErrorResponse(w, err)
		return
	}

	w.Header().Set(HeaderSessionKey, ack.SessionKey)
	if !ack.Complete {
		WriteJSONResponse(w, http.StatusOK, ChunkAckResponse{
			ChunkIndex:  ack.Index,
			Received:    ack.ReceivedChunks,
			TotalChunks: ack.TotalChunks,
			Bytes:       ack.ReceivedBytes,
			Complete:    false,
			Duplicate:   ack.Duplicate,
			SessionKey:  ack.SessionKey,
		})
		return
	}

	var entry *metadata.ShareEntry
	err = s.store.Finalize(ack.SessionKey, func(rec metadata.SessionRecord) error {
		var err error
		entry, err = s.registry.Register(r.Context(), share.RegisterRequest{
			FileName:       rec.FileName,
			SizeBytes:      rec.TotalBytes,
			PassphraseHash: rec.Access.PassphraseHash,
			TTL:            time.Duration(rec.Access.TTLMillis) * time.Millisecond,
			OneTime:        rec.Access.OneTime,
			Manifest:       rec.Manifest(),
		})
		return err
	})
	if err != nil {
		s.log.WithError(err).WithField("file", up.FileName).Error("failed to publish upload")
		WriteErrorResponse(w, err)
		return
	}

	s.hub.Publish(entry.Code, events.EventUploadComplete, map[string]interface{}{
		"fileName": entry.FileName,
		"size":     entry.SizeBytes,
	})
	WriteJSONResponse(w, http.StatusCreated, UploadCompleteResponse{
		FileID:    entry.Code,
		FileName:  entry.FileName,
		Size:      entry.SizeBytes,
		OneTime:   entry.OneTime,
		Protected: entry.Protected(),
		ExpiresAt: entry.ExpiresAt,
	})
}

func setDownloadHeaders(h http.Header, fileName string, size int64) {
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", ContentDisposition(fileName))
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set("Cache-Control", "no-store")
}

// handleDownload handles GET /api/download/{code}. The GET pattern also
// routes HEAD here; HEAD only describes the share and never claims or counts
// a download.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	code := normalizeCode(r.PathValue("code"))
	if r.Method == http.MethodHead {
		entry, err := s.gate.Describe(r.Context(), code)
		if err != nil {
			w.WriteHeader(errs.HTTPStatus(err))
			return
		}
		setDownloadHeaders(w.Header(), entry.FileName, entry.SizeBytes)
		w.WriteHeader(http.StatusOK)
		return
	}

	d, err := s.gate.Retrieve(r.Context(), code, r.Header.Get(HeaderPassphrase))
	if err != nil {
		WriteErrorResponse(w, err)
		return
	}
	defer d.Close()

	setDownloadHeaders(w.Header(), d.FileName, d.Size)
	w.WriteHeader(http.StatusOK)

	if n, err := d.Deliver(w); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"code": code, "bytes": n}).Warn("download aborted")
	}
}

// handleFileInfo handles GET /api/files/{code}
func (s *Server) handleFileInfo(w http.ResponseWriter, r *http.Request) {
	code := normalizeCode(r.PathValue("code"))
	entry, err := s.gate.Describe(r.Context(), code)
	if err != nil {
		WriteErrorResponse(w, err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, FileInfoResponse{
		FileID:    entry.Code,
		FileName:  entry.FileName,
		Size:      entry.SizeBytes,
		OneTime:   entry.OneTime,
		Protected: entry.Protected(),
		ExpiresAt: entry.ExpiresAt,
	})
}

// handleUploadStatus handles GET /api/uploads/{key}/status
func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Session(r.PathValue("key"))
	if err != nil {
		WriteErrorResponse(w, err)
		return
	}

	progress := 0.0
	if rec.TotalChunks > 0 {
		progress = float64(rec.ReceivedCount()) / float64(rec.TotalChunks) * 100.0
	}
	WriteJSONResponse(w, http.StatusOK, UploadStatusResponse{
		SessionKey:      rec.Key,
		FileName:        rec.FileName,
		ChunksReceived:  rec.ReceivedCount(),
		TotalChunks:     rec.TotalChunks,
		BytesReceived:   rec.ReceivedBytes,
		TotalBytes:      rec.TotalBytes,
		ProgressPercent: progress,
		Complete:        rec.Complete(),
		LastUpdated:     rec.UpdatedAt,
	})
}

// handleEvents handles GET /api/events/{code}
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorResponse(w, errors.New("streaming unsupported"))
		return
	}
	code := normalizeCode(r.PathValue("code"))

	sub := s.hub.Subscribe(code)
	defer s.hub.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := events.WriteSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}
