package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	syncpkg "github.com/syncbox/syncbox/internal/sync"
	"github.com/syncbox/syncbox/internal/vfs"
	"github.com/syncbox/syncbox/internal/wsproto"
)

type runConfig struct {
	DataDir   string
	ServerURL string
	Token     string
	Manual    bool
	Interval  time.Duration
	Binary    bool
}

func (c *runConfig) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir required")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("server url required")
	}
	return nil
}

// run opens the workspace, connects the session and blocks consuming its
// events until the context is cancelled or the session dies.
func run(ctx context.Context, cfg *runConfig) error {
	encoding := wsproto.EncodingJSON
	if cfg.Binary {
		encoding = wsproto.EncodingMsgPack
	}

	fs, err := vfs.Open(vfs.Options{
		ID:           "default",
		DataDir:      cfg.DataDir,
		Manual:       cfg.Manual,
		SyncInterval: cfg.Interval,
		Encoding:     encoding,
	})
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	defer fs.Close()

	slog.Info("workspace open", "dir", cfg.DataDir, "server", cfg.ServerURL)

	if err := fs.Sync.Connect(ctx, cfg.ServerURL, cfg.Token); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			fs.Sync.Disconnect()
			return nil

		case ev := <-fs.Sync.Events():
			switch ev.Type {
			case syncpkg.EventConnected:
				fmt.Println(green("connected"))
			case syncpkg.EventSyncing:
				fmt.Println(cyan("syncing..."))
			case syncpkg.EventCompleted:
				fmt.Println(green("synced"), ev.Paths)
			case syncpkg.EventDisconnected:
				fmt.Println(red("disconnected"))
				return fs.Sync.Err()
			case syncpkg.EventError:
				fmt.Println(red("sync error:"), ev.Err)
				return ev.Err
			}
		}
	}
}
