package transfer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jaywantadh/disktrolink/internal/assembly"
	"github.com/jaywantadh/disktrolink/internal/errs"
)

const BasePath = "/api"

// API endpoints
const (
	EndpointUpload       = BasePath + "/upload"
	EndpointDownload     = BasePath + "/download/{code}"
	EndpointFileInfo     = BasePath + "/files/{code}"
	EndpointUploadStatus = BasePath + "/uploads/{key}/status"
	EndpointEvents       = BasePath + "/events/{code}"
	EndpointHealth       = BasePath + "/health"
)

// Request headers. X-Filename is percent-encoded UTF-8.
const (
	HeaderFilename    = "X-Filename"
	HeaderUploadID    = "X-Upload-Id"
	HeaderChunkIndex  = "X-Chunk-Index"
	HeaderTotalChunks = "X-Total-Chunks"
	HeaderTotalBytes  = "X-Total-Bytes"
	HeaderChunkHash   = "X-Chunk-Hash"
	HeaderPassphrase  = "X-Passphrase"
	HeaderTTLMillis   = "X-TTL-Millis"
	HeaderOneTime     = "X-One-Time"
	// HeaderSessionKey is echoed on chunk acks.
	HeaderSessionKey = "X-Session-Key"
)

// ChunkAckResponse answers a non-final chunk.
type ChunkAckResponse struct {
	ChunkIndex  int    `json:"chunkIndex"`
	Received    int    `json:"received"`
	TotalChunks int    `json:"totalChunks"`
	Bytes       int64  `json:"bytes"`
	Complete    bool   `json:"complete"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	SessionKey  string `json:"sessionKey"`
}

// UploadCompleteResponse answers the final chunk with the minted code.
type UploadCompleteResponse struct {
	FileID    string     `json:"fileId"`
	FileName  string     `json:"fileName"`
	Size      int64      `json:"size"`
	OneTime   bool       `json:"oneTime"`
	Protected bool       `json:"protected"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// FileInfoResponse is the public view of a share.
type FileInfoResponse struct {
	FileID    string     `json:"fileId"`
	FileName  string     `json:"fileName"`
	Size      int64      `json:"size"`
	OneTime   bool       `json:"oneTime"`
	Protected bool       `json:"protected"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// UploadStatusResponse reports the progress of an upload session.
type UploadStatusResponse struct {
	SessionKey      string    `json:"sessionKey"`
	FileName        string    `json:"fileName"`
	ChunksReceived  int       `json:"chunksReceived"`
	TotalChunks     int       `json:"totalChunks"`
	BytesReceived   int64     `json:"bytesReceived"`
	TotalBytes      int64     `json:"totalBytes"`
	ProgressPercent float64   `json:"progressPercent"`
	Complete        bool      `json:"complete"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// ErrorResponse carries a stable error code plus a human message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Response helpers
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

// WriteErrorResponse maps err onto its status code and wire code.
func WriteErrorResponse(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Passphrase realm="disktrolink"`)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	WriteJSONResponse(w, status, ErrorResponse{Error: errs.Code(err), Message: msg})
}

func headerInt(h http.Header, name string, required bool) (int64, bool, error) {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		if required {
			return 0, false, fmt.Errorf("%w: missing %s header", errs.ErrValidation, name)
		}
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: invalid %s header %q", errs.ErrValidation, name, raw)
	}
	return v, true, nil
}

// ParseChunkHeaders reads the chunk declaration from request headers. Access
// headers are optional; absent ones stay nil.
func ParseChunkHeaders(h http.Header) (assembly.ChunkUpload, string, error) {
	var up assembly.ChunkUpload

	index, _, err := headerInt(h, HeaderChunkIndex, true)
	if err != nil {
		return up, "", err
	}
	total, _, err := headerInt(h, HeaderTotalChunks, true)
	if err != nil {
		return up, "", err
	}
	size, _, err := headerInt(h, HeaderTotalBytes, true)
	if err != nil {
		return up, "", err
	}
	uploadID := strings.TrimSpace(h.Get(HeaderUploadID))
	if uploadID == "" {
		return up, "", fmt.Errorf("%w: missing %s header", errs.ErrValidation, HeaderUploadID)
	}

	up.Index = int(index)
	up.TotalChunks = int(total)
	up.TotalBytes = size
	up.FileName = h.Get(HeaderFilename)
	if name, err := url.PathUnescape(up.FileName); err == nil {
		up.FileName = name
	}
	up.Hash = strings.ToLower(strings.TrimSpace(h.Get(HeaderChunkHash)))

	if values, ok := h[http.CanonicalHeaderKey(HeaderPassphrase)]; ok && len(values) > 0 && values[0] != "" {
		pass := values[0]
		up.Passphrase = &pass
	}
	if ttl, ok, err := headerInt(h, HeaderTTLMillis, false); err != nil {
		return up, "", err
	} else if ok {
		if ttl < 0 {
			return up, "", fmt.Errorf("%w: %s must not be negative", errs.ErrValidation, HeaderTTLMillis)
		}
		up.TTLMillis = &ttl
	}
	if raw := strings.TrimSpace(h.Get(HeaderOneTime)); raw != "" {
		oneTime, err := strconv.ParseBool(raw)
		if err != nil {
			return up, "", fmt.Errorf("%w: invalid %s header %q", errs.ErrValidation, HeaderOneTime, raw)
		}
		up.OneTime = &oneTime
	}

	up.SessionKey = assembly.SessionKey(up.TotalBytes, uploadID)
	return up, uploadID, nil
}

// SetChunkHeaders is the client side of ParseChunkHeaders.
func SetChunkHeaders(h http.Header, up assembly.ChunkUpload, uploadID string) {
	if up.FileName != "" {
		h.Set(HeaderFilename, url.PathEscape(up.FileName))
	}
	h.Set(HeaderUploadID, uploadID)
	h.Set(HeaderChunkIndex, strconv.Itoa(up.Index))
	h.Set(HeaderTotalChunks, strconv.Itoa(up.TotalChunks))
	h.Set(HeaderTotalBytes, strconv.FormatInt(up.TotalBytes, 10))
	if up.Hash != "" {
		h.Set(HeaderChunkHash, up.Hash)
	}
	if up.Passphrase != nil {
		h.Set(HeaderPassphrase, *up.Passphrase)
	}
	if up.TTLMillis != nil {
		h.Set(HeaderTTLMillis, strconv.FormatInt(*up.TTLMillis, 10))
	}
	if up.OneTime != nil {
		h.Set(HeaderOneTime, strconv.FormatBool(*up.OneTime))
	}
}

// ContentDisposition builds an attachment header that survives non-ASCII
// file names.
func ContentDisposition(fileName string) string {
	safe := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' || r == '\\' || r > 0x7e {
			return '_'
		}
		return r
	}, fileName)
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, safe, strings.ReplaceAll(url.QueryEscape(fileName), "+", "%20"))
}
