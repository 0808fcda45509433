package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/ubplink/internal/frame"
)

// frameCmd groups the offline framing tools
var frameCmd = &cobra.Command{
	Use:   "frame",
	Short: "Encode and decode UBP frames without a radio",
}

var frameEncodeCmd = &cobra.Command{
	Use:   "encode <payload-hex>",
	Short: "Encode a payload into a SLIP frame",
	Long: `Build the frame the host would write for a message and print it as hex.
With --chunk, print one notification-sized chunk per line.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFrameEncode,
}

var frameDecodeCmd = &cobra.Command{
	Use:   "decode [file|-]",
	Short: "Decode a captured byte stream",
	Long: `Feed a captured notification stream through the decoder and print every
message that passes the checksum, followed by decoder statistics.
Reads stdin when no file or "-" is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFrameDecode,
}

var (
	encodeID    uint16
	encodeFlags uint8
	encodeChunk int

	decodeHexInput bool
	decodeLegacy   bool
)

func init() {
	frameEncodeCmd.Flags().Uint16Var(&encodeID, "id", 0, "Message identifier")
	frameEncodeCmd.Flags().Uint8Var(&encodeFlags, "flags", frame.FlagNone, "Flags byte")
	frameEncodeCmd.Flags().IntVar(&encodeChunk, "chunk", 0, "Split the frame into chunks of this size")

	frameDecodeCmd.Flags().BoolVar(&decodeHexInput, "hex-input", false, "Input is hex text instead of raw bytes")
	frameDecodeCmd.Flags().BoolVar(&decodeLegacy, "legacy-flags", false, "Read flags at offset 1")

	frameCmd.AddCommand(frameEncodeCmd)
	frameCmd.AddCommand(frameDecodeCmd)
}

func runFrameEncode(cmd *cobra.Command, args []string) error {
	var payload []byte
	if len(args) == 1 {
		var err error
		if payload, err = parseHex(args[0]); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}
	if encodeChunk < 0 {
		return fmt.Errorf("invalid chunk size %d", encodeChunk)
	}

	cmd.SilenceUsage = true

	encoded := frame.Encode(frame.Message{Identifier: encodeID, Flags: encodeFlags, Payload: payload})
	out := cmd.OutOrStdout()
	if encodeChunk == 0 {
		_, err := fmt.Fprintln(out, hex.EncodeToString(encoded))
		return err
	}
	for _, chunk := range frame.Chunk(encoded, encodeChunk) {
		if _, err := fmt.Fprintln(out, hex.EncodeToString(chunk)); err != nil {
			return err
		}
	}
	return nil
}

func runFrameDecode(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	cmd.SilenceUsage = true

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	if decodeHexInput {
		if data, err = parseHex(string(data)); err != nil {
			return fmt.Errorf("invalid hex input: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	opts := []frame.Option{
		frame.WithDropHandler(func(err error) {
			fmt.Fprintf(out, "dropped: %v\n", err)
		}),
	}
	if decodeLegacy {
		opts = append(opts, frame.WithLegacyFlagsOffset())
	}
	decoder := frame.NewDecoder(func(m frame.Message) {
		fmt.Fprintln(out, m)
	}, opts...)
	decoder.Append(data)

	stats := decoder.Stats()
	_, err = fmt.Fprintf(out, "decoded=%d checksum_failures=%d too_short=%d improbable=%d buffered=%d\n",
		stats.Decoded, stats.ChecksumFailures, stats.TooShort, stats.Improbable, decoder.Len())
	return err
}

// parseHex accepts hex with optional whitespace, colons and a 0x prefix.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(s)
}
