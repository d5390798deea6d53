package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrolink/internal/assembly"
	"github.com/jaywantadh/disktrolink/internal/chunker"
	"github.com/jaywantadh/disktrolink/internal/errs"
	"github.com/jaywantadh/disktrolink/pkg/logging"
)

// APIError is a non-success answer from the server. It unwraps to the
// matching errs sentinel.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d %s", e.Status, e.Code)
}

func (e *APIError) Unwrap() error {
	return errs.FromCode(e.Code)
}

func (e *APIError) retryable() bool {
	return e.Status >= 500
}

// UploadRequest describes one file to send.
type UploadRequest struct {
	// UploadID correlates the chunks of this upload; generated when empty.
	UploadID string
	FileName string
	Source   io.ReaderAt
	Size     int64

	Passphrase string
	// TTL of zero means the share never expires.
	TTL     time.Duration
	OneTime bool

	Progress ProgressFunc
}

// UploadResult is what the sender shares with the receiver.
type UploadResult struct {
	InviteCode string
	FileName   string
	Size       int64
	Chunks     int
	OneTime    bool
	Protected  bool
	ExpiresAt  *time.Time
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	FileName string
	Size     int64
}

// Client represents the HTTP client for sending file transfers
type Client struct {
	baseURL    string
	httpClient *http.Client
	chunkSize  int64
	retries    int
	retryDelay time.Duration
	log        *logrus.Entry
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithChunkSize(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithRetries sets how many times a chunk is resent after a transport error
// or a 5xx answer. Client errors are never retried.
func WithRetries(n int, delay time.Duration) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
		c.retryDelay = delay
	}
}

func WithClientLogger(l *logrus.Entry) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a new transfer client
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		chunkSize:  chunker.DefaultChunkSize,
		retryDelay: 500 * time.Millisecond,
		log:        logging.For("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendFile uploads the file at path.
func (c *Client) SendFile(ctx context.Context, path string, req UploadRequest) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if req.FileName == "" {
		req.FileName = filepath.Base(path)
	}
	req.Source = f
	req.Size = info.Size()
	return c.Upload(ctx, req)
}

// Upload sends the file strictly in chunk order, one request at a time, and
// returns the invite code minted on the final chunk. Any failure aborts the
// upload with ErrTransferInterrupted; the server discards the partial
// session once it goes idle.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.FileName == "" {
		return nil, fmt.Errorf("%w: file name is required", errs.ErrValidation)
	}
	splitter, err := chunker.NewSplitter(req.Source, req.Size, c.chunkSize)
	if err != nil {
		return nil, err
	}

	uploadID := req.UploadID
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	total := splitter.TotalChunks()
	state := Progress{
		Phase:       PhaseUpload,
		FileName:    req.FileName,
		TotalChunks: total,
		TotalBytes:  req.Size,
		StartTime:   time.Now(),
	}
	log := c.log.WithFields(logrus.Fields{"file": req.FileName, "upload_id": uploadID})
	log.WithFields(logrus.Fields{"size": req.Size, "chunks": total}).Info("starting upload")

	for {
		chunk, err := splitter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read chunk: %w", errs.ErrTransferInterrupted, err)
		}

		up := assembly.ChunkUpload{
			Index: chunk.Index,
			Declaration: assembly.Declaration{
				TotalChunks: total,
				TotalBytes:  req.Size,
			},
			Data: chunk.Data,
			Hash: chunk.Hash,
		}
		if chunk.Index == 0 {
			up.FileName = req.FileName
			setAccess(&up.Declaration, req)
		}

		result, err := c.sendChunkWithRetry(ctx, up, uploadID)
		if err != nil {
			log.WithError(err).WithField("chunk", chunk.Index).Error("upload aborted")
			return nil, fmt.Errorf("%w: chunk %d of %d: %w", errs.ErrTransferInterrupted, chunk.Index+1, total, err)
		}

		state.ChunkIndex = chunk.Index
		state.BytesDone += chunk.Length
		state.UpdatedAt = time.Now()
		if req.Progress != nil {
			req.Progress(state)
		}

		if chunk.Index == total-1 {
			if result == nil {
				return nil, fmt.Errorf("%w: server did not complete the upload", errs.ErrTransferInterrupted)
			}
			log.WithField("code", result.FileID).Info("upload complete")
			return &UploadResult{
				InviteCode: result.FileID,
				FileName:   result.FileName,
				Size:       result.Size,
				Chunks:     total,
				OneTime:    result.OneTime,
				Protected:  result.Protected,
				ExpiresAt:  result.ExpiresAt,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: no chunks were sent", errs.ErrTransferInterrupted)
}

func setAccess(d *assembly.Declaration, req UploadRequest) {
	if req.Passphrase != "" {
		pass := req.Passphrase
		d.Passphrase = &pass
	}
	ttl := req.TTL.Milliseconds()
	d.TTLMillis = &ttl
	oneTime := req.OneTime
	d.OneTime = &oneTime
}

func (c *Client) sendChunkWithRetry(ctx context.Context, up assembly.ChunkUpload, uploadID string) (*UploadCompleteResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.log.WithError(lastErr).WithFields(logrus.Fields{"chunk": up.Index, "attempt": attempt}).Warn("retrying chunk")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
		result, err := c.sendChunk(ctx, up, uploadID)
		if err == nil {
			return result, nil
		}
		lastErr = err
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// sendChunk posts one chunk. The completion response is returned for the
// final chunk only.
func (c *Client) sendChunk(ctx context.Context, up assembly.ChunkUpload, uploadID string) (*UploadCompleteResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+EndpointUpload, bytes.NewReader(up.Data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	SetChunkHeaders(req.Header, up, uploadID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	case http.StatusCreated:
		var done UploadCompleteResponse
		if err := json.NewDecoder(resp.Body).Decode(&done); err != nil {
			return nil, fmt.Errorf("decode completion response: %w", err)
		}
		return &done, nil
	default:
		return nil, decodeAPIError(resp)
	}
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var payload ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		apiErr.Code = payload.Error
		apiErr.Message = payload.Message
	} else {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func (c *Client) codeURL(endpoint, code string) string {
	return c.baseURL + strings.Replace(endpoint, "{code}", url.PathEscape(code), 1)
}

// Download redeems code and writes the file to w.
func (c *Client) Download(ctx context.Context, code, passphrase string, w io.Writer, progress ProgressFunc) (*DownloadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.codeURL(EndpointDownload, code), nil)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		req.Header.Set(HeaderPassphrase, passphrase)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	result := &DownloadResult{FileName: code, Size: resp.ContentLength}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		result.FileName = filepath.Base(params["filename"])
	}

	pw := &progressWriter{w: w, report: progress, state: Progress{
		Phase:      PhaseDownload,
		FileName:   result.FileName,
		TotalBytes: resp.ContentLength,
		StartTime:  time.Now(),
	}}
	n, err := io.Copy(pw, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: after %d bytes: %w", errs.ErrTransferInterrupted, n, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, fmt.Errorf("%w: received %d of %d bytes", errs.ErrTransferInterrupted, n, resp.ContentLength)
	}
	result.Size = n
	return result, nil
}

// ReceiveFile downloads code into dir, named after the sender's file.
func (c *Client) ReceiveFile(ctx context.Context, code, passphrase, dir string, progress ProgressFunc) (string, error) {
	tmp, err := os.CreateTemp(dir, ".receive-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	result, err := c.Download(ctx, code, passphrase, tmp, progress)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}

	dest := filepath.Join(dir, result.FileName)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}
	return dest, nil
}

// Info fetches the public view of a code without consuming it.
func (c *Client) Info(ctx context.Context, code string) (*FileInfoResponse, error) {
	var info FileInfoResponse
	if err := c.getJSON(ctx, c.codeURL(EndpointFileInfo, code), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UploadStatus gets the current status of an upload session
func (c *Client) UploadStatus(ctx context.Context, sessionKey string) (*UploadStatusResponse, error) {
	var status UploadStatusResponse
	u := c.baseURL + strings.Replace(EndpointUploadStatus, "{key}", url.PathEscape(sessionKey), 1)
	if err := c.getJSON(ctx, u, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+EndpointHealth, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, u string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// SessionKeyFor returns the key the server files an upload under, for use
// with UploadStatus.
func SessionKeyFor(size int64, uploadID string) string {
	return assembly.SessionKey(size, uploadID)
}
