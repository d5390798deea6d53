package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/disktrolink/config"
	"github.com/jaywantadh/disktrolink/internal/errs"
	"github.com/jaywantadh/disktrolink/internal/transfer"
)

func newClient(cfg *config.AppConfig) *transfer.Client {
	return transfer.NewClient(cfg.ServerURL,
		transfer.WithChunkSize(cfg.ChunkSize),
		transfer.WithRetries(cfg.ClientRetries, time.Second),
		transfer.WithHTTPClient(newHTTPClient(cfg.ClientTimeout)),
	)
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Upload a file and print its invite code",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "passphrase", Usage: "require this passphrase to download"},
			&cli.DurationFlag{Name: "ttl", Usage: "expire the share after this long (0 = never)"},
			&cli.BoolFlag{Name: "one-time", Usage: "delete the share after the first download"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "print only the code"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("send needs exactly one file", 2)
			}
			cfg := config.Config

			req := transfer.UploadRequest{
				Passphrase: c.String("passphrase"),
				TTL:        c.Duration("ttl"),
				OneTime:    c.Bool("one-time"),
			}
			if !c.Bool("quiet") {
				req.Progress = transfer.NewProgressPrinter(os.Stderr, 250*time.Millisecond).Report
			}

			res, err := newClient(cfg).SendFile(c.Context, c.Args().First(), req)
			if err != nil {
				return err
			}

			if c.Bool("quiet") {
				fmt.Println(res.InviteCode)
				return nil
			}
			fmt.Printf("Invite code: %s\n", res.InviteCode)
			fmt.Printf("  File:      %s (%s)\n", res.FileName, humanize.IBytes(uint64(res.Size)))
			if res.Protected {
				fmt.Println("  Passphrase required")
			}
			if res.OneTime {
				fmt.Println("  One-time: deleted after the first download")
			}
			if res.ExpiresAt != nil {
				fmt.Printf("  Expires:   %s (%s)\n", res.ExpiresAt.Local().Format(time.RFC1123), humanize.Time(*res.ExpiresAt))
			}
			return nil
		},
	}
}

func receiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "receive",
		Aliases:   []string{"r"},
		Usage:     "Download the file behind an invite code",
		ArgsUsage: "<code>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "passphrase", Usage: "passphrase for protected shares"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: ".", Usage: "directory to save into"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("receive needs exactly one code", 2)
			}
			client := newClient(config.Config)
			printer := transfer.NewProgressPrinter(os.Stderr, 250*time.Millisecond)

			path, err := client.ReceiveFile(c.Context, c.Args().First(), c.String("passphrase"), c.String("out"), printer.Report)
			switch {
			case errors.Is(err, errs.ErrAuthRequired):
				return cli.Exit("this share is protected; pass --passphrase", 1)
			case errors.Is(err, errs.ErrAuthInvalid):
				return cli.Exit("wrong passphrase", 1)
			case errors.Is(err, errs.ErrNotFoundOrExpired):
				return cli.Exit("no such code, or it expired or was already used", 1)
			case err != nil:
				return err
			}
			fmt.Printf("Saved %s\n", path)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Check the service, a share, or an upload session",
		ArgsUsage: "[code]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Usage: "show progress of an upload session key"},
		},
		Action: func(c *cli.Context) error {
			client := newClient(config.Config)

			if key := c.String("session"); key != "" {
				st, err := client.UploadStatus(c.Context, key)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d/%d chunks, %s of %s (%.1f%%), last update %s\n",
					st.FileName, st.ChunksReceived, st.TotalChunks,
					humanize.IBytes(uint64(st.BytesReceived)), humanize.IBytes(uint64(st.TotalBytes)),
					st.ProgressPercent, humanize.Time(st.LastUpdated))
				return nil
			}

			if c.NArg() == 1 {
				info, err := client.Info(c.Context, c.Args().First())
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s  %s\n", info.FileID, info.FileName, humanize.IBytes(uint64(info.Size)))
				fmt.Printf("  protected=%t one-time=%t", info.Protected, info.OneTime)
				if info.ExpiresAt != nil {
					fmt.Printf(" expires %s", humanize.Time(*info.ExpiresAt))
				}
				fmt.Println()
				return nil
			}

			if err := client.Health(c.Context); err != nil {
				return fmt.Errorf("service at %s is not healthy: %w", config.Config.ServerURL, err)
			}
			fmt.Printf("Service at %s is healthy\n", config.Config.ServerURL)
			return nil
		},
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
