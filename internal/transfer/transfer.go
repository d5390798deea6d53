package transfer

import (
	"context"
	"io"
)

// Sequencer moves whole files to and from the service.
type Sequencer interface {
	// Upload sends a file chunk by chunk and returns its invite code.
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	// Download redeems an invite code into w.
	Download(ctx context.Context, code, passphrase string, w io.Writer, progress ProgressFunc) (*DownloadResult, error)
}

var _ Sequencer = (*Client)(nil)
