// Command manualtest pushes a file through a running service and checks that
// the one-time download matches byte for byte and cannot be repeated.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jaywantadh/disktrolink/internal/errs"
	"github.com/jaywantadh/disktrolink/internal/transfer"
	"github.com/jaywantadh/disktrolink/pkg/env"
	"github.com/jaywantadh/disktrolink/pkg/logging"
)

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func main() {
	env.LoadEnv()
	logging.InitLogger(true)
	log := logging.For("manualtest")

	server := flag.String("server", env.GetEnv("DISKTROLINK_SERVER_URL", "http://localhost:8080"), "service URL")
	input := flag.String("file", filepath.Join("samples", "sample.bin"), "file to send")
	pass := flag.String("passphrase", "testpass", "passphrase for the share")
	flag.Parse()

	if err := run(*server, *input, *pass); err != nil {
		log.WithError(err).Fatal("manual test failed")
	}
	log.Info("reassembled file matches original and the code is spent")
}

func run(server, input, pass string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	origHash, err := sha256File(input)
	if err != nil {
		return fmt.Errorf("hash original: %w", err)
	}

	client := transfer.NewClient(server, transfer.WithRetries(2, time.Second))
	if err := client.Health(ctx); err != nil {
		return err
	}

	res, err := client.SendFile(ctx, input, transfer.UploadRequest{
		Passphrase: pass,
		TTL:        10 * time.Minute,
		OneTime:    true,
		Progress:   transfer.NewProgressPrinter(os.Stderr, 200*time.Millisecond).Report,
	})
	if err != nil {
		return err
	}
	fmt.Printf("code %s (%d chunks)\n", res.InviteCode, res.Chunks)

	if _, err := client.Download(ctx, res.InviteCode, "wrong", io.Discard, nil); !errors.Is(err, errs.ErrAuthInvalid) {
		return fmt.Errorf("wrong passphrase: want auth_invalid, got %v", err)
	}

	outDir, err := os.MkdirTemp("", "disktrolink-manual-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(outDir)

	outPath, err := client.ReceiveFile(ctx, res.InviteCode, pass, outDir, nil)
	if err != nil {
		return err
	}
	gotHash, err := sha256File(outPath)
	if err != nil {
		return fmt.Errorf("hash download: %w", err)
	}
	if gotHash != origHash {
		return fmt.Errorf("mismatch: sent %s, received %s", origHash, gotHash)
	}

	if _, err := client.Download(ctx, res.InviteCode, pass, io.Discard, nil); !errors.Is(err, errs.ErrNotFoundOrExpired) {
		return fmt.Errorf("second download: want not_found_or_expired, got %v", err)
	}
	return nil
}
