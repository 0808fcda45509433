package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/ubplink/internal/frame"
	"github.com/srg/ubplink/internal/link"
	"golang.org/x/term"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen [address|name]",
	Short: "Connect to a peripheral and print decoded messages",
	Long: `Scan for UBP peripherals, connect to the chosen one and print every
message that passes the checksum. Without an argument the only discovered
device is used; with several, pass an address or --first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runListen,
}

var (
	listenFirst     bool
	listenHex       bool
	listenReconnect bool
)

func init() {
	listenCmd.Flags().BoolVar(&listenFirst, "first", false, "Pick the strongest device when several are found")
	listenCmd.Flags().BoolVarP(&listenHex, "hex", "x", false, "Always print payloads as hex")
	listenCmd.Flags().BoolVar(&listenReconnect, "reconnect", false, "Reconnect when an established link drops")
}

func runListen(cmd *cobra.Command, args []string) error {
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

	cmd.SilenceUsage = true

	ctx, cancel := interruptContext(cmd.Context(), "Ctrl+C pressed, disconnecting...")
	defer cancel()

	rt := startLink(cfg, logger)
	defer rt.Close()
	devices, err := rt.discover(ctx, cfg.ServiceFilter)
	if err != nil {
		return err
	}
	dev, err := pickDevice(devices, query, listenFirst)
	if err != nil {
		return err
	}

	printer := newMessagePrinter(cmd.OutOrStdout(), listenHex, isTerminal(os.Stdout))
	fmt.Fprintf(os.Stderr, "Connecting to %s...\n", dev)
	if err := rt.connect(ctx, dev, printer.print); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Listening on %s, Ctrl+C to stop\n", dev.DisplayName())

	return followLink(ctx, rt.events.Events(), rt.session, listenReconnect, dev, printer.print, os.Stderr)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// messagePrinter writes one line per message: timestamp, header, payload.
type messagePrinter struct {
	w       io.Writer
	hex     bool
	stamp   *color.Color
	header  *color.Color
	payload *color.Color
}

func newMessagePrinter(w io.Writer, hex, colored bool) *messagePrinter {
	p := &messagePrinter{
		w:       w,
		hex:     hex,
		stamp:   color.New(color.FgHiBlack),
		header:  color.New(color.FgCyan),
		payload: color.New(color.FgGreen),
	}
	if !colored {
		p.stamp.DisableColor()
		p.header.DisableColor()
		p.payload.DisableColor()
	}
	return p
}

func (p *messagePrinter) print(ev link.Event) {
	p.printAt(time.Now(), ev.Message)
}

func (p *messagePrinter) printAt(ts time.Time, msg frame.Message) {
	fmt.Fprintf(p.w, "%s %s %s\n",
		p.stamp.Sprint(ts.Format("15:04:05.000")),
		p.header.Sprintf("[id=0x%04x flags=0x%02x len=%d]", msg.Identifier, msg.Flags, len(msg.Payload)),
		p.payload.Sprint(formatPayload(msg.Payload, p.hex)),
	)
}

// formatPayload renders printable UTF-8 as quoted text and anything else as hex.
func formatPayload(payload []byte, forceHex bool) string {
	if len(payload) == 0 {
		return "<empty>"
	}
	if !forceHex && isPrintable(payload) {
		return fmt.Sprintf("%q", strings.TrimRight(string(payload), "\r\n"))
	}
	return fmt.Sprintf("% x", payload)
}

func isPrintable(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, r := range string(data) {
		if !unicode.IsPrint(r) && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
	}
	return true
}
