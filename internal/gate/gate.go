package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrolink/internal/errs"
	"github.com/jaywantadh/disktrolink/internal/events"
	"github.com/jaywantadh/disktrolink/internal/metadata"
	"github.com/jaywantadh/disktrolink/internal/passphrase"
	"github.com/jaywantadh/disktrolink/pkg/logging"
)

// Registry is the part of the share registry the gate drives.
type Registry interface {
	Resolve(ctx context.Context, code string) (*metadata.ShareEntry, error)
	Claim(code string) (string, error)
	MarkConsumed(code, token string) error
	Release(code, token string) error
	RecordDownload(code string) error
}

// Opener streams the bytes behind a manifest.
type Opener interface {
	Open(m metadata.Manifest) (io.ReadCloser, error)
}

// Gate decides whether a code may be redeemed and hands out deliveries.
type Gate struct {
	registry Registry
	opener   Opener
	hasher   passphrase.Hasher
	events   events.Publisher
	log      *logrus.Entry
}

type Option func(*Gate)

func WithHasher(h passphrase.Hasher) Option {
	return func(g *Gate) { g.hasher = h }
}

func WithPublisher(p events.Publisher) Option {
	return func(g *Gate) { g.events = p }
}

func WithLogger(l *logrus.Entry) Option {
	return func(g *Gate) { g.log = l }
}

func New(registry Registry, opener Opener, opts ...Option) *Gate {
	g := &Gate{
		registry: registry,
		opener:   opener,
		hasher:   passphrase.NewBcrypt(0),
		events:   events.Nop{},
		log:      logging.For("gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Describe returns the public view of a code without consuming it and
// without checking the passphrase.
func (g *Gate) Describe(ctx context.Context, code string) (*metadata.ShareEntry, error) {
	return g.registry.Resolve(ctx, code)
}

// Retrieve authorizes a download of code. For one-time shares the entry is
// claimed before returning, so at most one caller ever gets a Delivery.
// Callers must Deliver or Close the result.
func (g *Gate) Retrieve(ctx context.Context, code, pass string) (*Delivery, error) {
	entry, err := g.registry.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	if entry.Protected() {
		if pass == "" {
			return nil, errs.ErrAuthRequired
		}
		if err := g.hasher.Verify(entry.PassphraseHash, pass); err != nil {
			if errors.Is(err, passphrase.ErrMismatch) {
				g.log.WithField("code", code).Warn("wrong passphrase")
				return nil, errs.ErrAuthInvalid
			}
			return nil, err
		}
	}

	d := &Delivery{
		FileName: entry.FileName,
		Size:     entry.SizeBytes,
		OneTime:  entry.OneTime,
		code:     code,
		gate:     g,
	}

	if entry.OneTime {
		token, err := g.registry.Claim(code)
		if err != nil {
			return nil, err
		}
		d.token = token
	}

	rc, err := g.opener.Open(entry.Manifest)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("open stored file: %w", err)
	}
	d.src = rc

	g.events.Publish(code, events.EventDownloadStarted, map[string]interface{}{
		"fileName": entry.FileName,
		"size":     entry.SizeBytes,
	})
	return d, nil
}

// Delivery is an authorized, not yet settled download.
type Delivery struct {
	FileName string
	Size     int64
	OneTime  bool

	code  string
	token string
	gate  *Gate
	src   io.ReadCloser

	mu      sync.Mutex
	settled bool
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Deliver copies the file to w and settles the share. A one-time share is
// consumed once any byte has been written; a failure before the first byte
// puts it back.
func (d *Delivery) Deliver(w io.Writer) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return 0, errors.New("delivery already settled")
	}
	d.settled = true

	cw := &countingWriter{w: w}
	_, copyErr := io.Copy(cw, d.src)
	d.src.Close()
	if copyErr == nil && cw.n != d.Size {
		copyErr = fmt.Errorf("short delivery: wrote %d of %d bytes", cw.n, d.Size)
	}

	log := d.gate.log.WithFields(logrus.Fields{"code": d.code, "bytes": cw.n})
	if copyErr != nil {
		log.WithError(copyErr).Warn("delivery failed")
		d.gate.events.Publish(d.code, events.EventDownloadFailed, map[string]interface{}{"bytes": cw.n})
		if d.OneTime {
			if cw.n == 0 {
				d.releaseLocked()
			} else {
				d.consumeLocked()
			}
		}
		return cw.n, fmt.Errorf("%w: %v", errs.ErrTransferInterrupted, copyErr)
	}

	if d.OneTime {
		d.consumeLocked()
	} else if err := d.gate.registry.RecordDownload(d.code); err != nil {
		log.WithError(err).Warn("failed to record download")
	}
	log.Info("delivery complete")
	d.gate.events.Publish(d.code, events.EventDownloadComplete, map[string]interface{}{"bytes": cw.n})
	return cw.n, nil
}

// Close abandons an undelivered download and returns a claimed one-time
// share to the pool.
func (d *Delivery) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return nil
	}
	d.settled = true
	if d.src != nil {
		d.src.Close()
	}
	d.releaseLocked()
	return nil
}

func (d *Delivery) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settled = true
	d.releaseLocked()
}

func (d *Delivery) releaseLocked() {
	if d.token == "" {
		return
	}
	if err := d.gate.registry.Release(d.code, d.token); err != nil {
		d.gate.log.WithError(err).WithField("code", d.code).Error("failed to release claim")
	}
}

func (d *Delivery) consumeLocked() {
	if d.token == "" {
		return
	}
	if err := d.gate.registry.MarkConsumed(d.code, d.token); err != nil {
		d.gate.log.WithError(err).WithField("code", d.code).Error("failed to mark share consumed")
		return
	}
	d.gate.events.Publish(d.code, events.EventConsumed, nil)
}
