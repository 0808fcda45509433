package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/ubplink/internal/frame"
	"github.com/srg/ubplink/internal/link"
	"github.com/srg/ubplink/internal/ptyio"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge [address|name]",
	Short: "Expose a peripheral as a pseudo-terminal",
	Long: `Connect to a UBP peripheral and expose it as a PTY.

Every decoded message payload is written to the terminal. Every chunk read
from the terminal is sent to the peripheral as frames carrying --id and
--flags, split so none exceeds --max-frame encoded bytes. Point a serial tool
at the printed device path, or at --symlink.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBridge,
}

var (
	bridgeFirst     bool
	bridgeID        uint16
	bridgeFlags     uint8
	bridgeSymlink   string
	bridgeReconnect bool
	bridgeMaxFrame  int
)

func init() {
	bridgeCmd.Flags().BoolVar(&bridgeFirst, "first", false, "Pick the strongest device when several are found")
	bridgeCmd.Flags().Uint16Var(&bridgeID, "id", 1, "Identifier stamped on outgoing frames")
	bridgeCmd.Flags().Uint8Var(&bridgeFlags, "flags", frame.FlagNone, "Flags byte stamped on outgoing frames")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY at this path")
	bridgeCmd.Flags().BoolVar(&bridgeReconnect, "reconnect", false, "Reconnect when an established link drops")
	bridgeCmd.Flags().IntVar(&bridgeMaxFrame, "max-frame", 0, "Largest encoded frame sent to the peripheral (default from config, 64)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := commandLogger(cmd, cfg)
	if err != nil {
		return err
	}
	query := ""
	if len(args) == 1 {
		query = args[0]
	}

	if bridgeMaxFrame > 0 {
		cfg.MaxFrame = bridgeMaxFrame
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := interruptContext(cmd.Context(), "Ctrl+C pressed, closing bridge...")
	defer cancel()

	rt := startLink(cfg, logger)
	defer rt.Close()
	devices, err := rt.discover(ctx, cfg.ServiceFilter)
	if err != nil {
		return err
	}
	dev, err := pickDevice(devices, query, bridgeFirst)
	if err != nil {
		return err
	}

	p, err := ptyio.Open(&ptyio.Options{
		Logger: logger,
		OnError: func(err error) {
			logger.WithError(err).Error("PTY failed, closing bridge")
			cancel()
		},
	})
	if err != nil {
		return err
	}
	defer p.Close()

	if bridgeSymlink != "" {
		if err := createSymlink(p.TTYName(), bridgeSymlink); err != nil {
			return err
		}
		defer os.Remove(bridgeSymlink)
	}

	toPTY := func(ev link.Event) {
		_, _ = p.Write(ev.Message.Payload)
	}

	fmt.Fprintf(os.Stderr, "Connecting to %s...\n", dev)
	if err := rt.connect(ctx, dev, toPTY); err != nil {
		return err
	}

	p.SetReadCallback(newPTYForwarder(ctx, rt.session, bridgeID, bridgeFlags, cfg.MaxFrame, logger))
	fmt.Fprintf(os.Stderr, "Bridge ready: %s <-> %s\n", p.TTYName(), dev.DisplayName())
	if bridgeSymlink != "" {
		fmt.Fprintf(os.Stderr, "Symlink: %s\n", bridgeSymlink)
	}

	return followLink(ctx, rt.events.Events(), rt.session, bridgeReconnect, dev, toPTY, os.Stderr)
}

// sender is the part of the session the PTY forwarder needs.
type sender interface {
	Send(ctx context.Context, msg frame.Message) error
}

// newPTYForwarder returns a PTY read callback that sends each read as frames
// of at most maxFrame encoded bytes. Input is dropped with a warning while the
// link is down, from the first frame that fails.
func newPTYForwarder(ctx context.Context, s sender, id uint16, flags uint8, maxFrame int, logger *logrus.Logger) ptyio.ReadCallback {
	return func(data []byte) {
		payloads, err := frame.SplitPayload(id, flags, data, maxFrame)
		if err != nil {
			logger.WithError(err).WithField("bytes", len(data)).Error("Dropped PTY input")
			return
		}
		for i, p := range payloads {
			msg := frame.Message{
				Identifier: id,
				Flags:      flags,
				Payload:    append([]byte(nil), p...),
			}
			if err := s.Send(ctx, msg); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.WithError(err).WithFields(logrus.Fields{
					"bytes":  len(data),
					"frames": len(payloads) - i,
				}).Warn("Dropped PTY input")
				return
			}
		}
	}
}

// createSymlink points path at target, replacing a stale symlink but never a regular file.
func createSymlink(target, path string) error {
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("refusing to replace %s: not a symlink", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale symlink %s: %w", path, err)
		}
	}
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("failed to create symlink %s: %w", path, err)
	}
	return nil
}
