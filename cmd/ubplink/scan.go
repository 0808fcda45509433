package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/ubplink/internal/link"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for UBP peripherals",
	Long: `Scan for peripherals advertising the UBP service and list them once
the scan window closes. The window length comes from --duration or the
scan_timeout configuration value.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanServices []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan window (default from config, 3s)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Service UUIDs to filter by (default from config)")
}

func validateFormat(format string) error {
	validFormats := []string{"table", "json"}
	if !slices.Contains(validFormats, format) {
		return fmt.Errorf("invalid format '%s': must be one of %v", format, validFormats)
	}
	return nil
}

func runScan(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(scanFormat); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if scanDuration > 0 {
		cfg.ScanTimeout = scanDuration
	}
	if len(scanServices) > 0 {
		cfg.ServiceFilter = scanServices
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := commandLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := interruptContext(cmd.Context(), "Ctrl+C pressed, cancelling scan...")
	defer cancel()

	rt := startLink(cfg, logger)
	defer rt.Close()
	devices, err := rt.discover(ctx, cfg.ServiceFilter)
	if err != nil {
		return err
	}

	return displayDevices(cmd.OutOrStdout(), devices, scanFormat)
}

// displayDevices prints devices strongest signal first.
func displayDevices(w io.Writer, devices []link.Device, format string) error {
	sorted := slices.Clone(devices)
	slices.SortStableFunc(sorted, func(a, b link.Device) int {
		return b.RSSI - a.RSSI
	})

	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(sorted)
	}

	if len(sorted) == 0 {
		_, err := fmt.Fprintln(w, "No devices discovered")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tTX\tSERVICES")
	fmt.Fprintln(tw, strings.Repeat("-", 72))
	for _, d := range sorted {
		name := d.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		tx := "-"
		if d.TxPower != nil {
			tx = fmt.Sprintf("%d dBm", *d.TxPower)
		}
		services := strings.Join(d.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s\n", name, d.ID, d.RSSI, tx, services)
	}
	return tw.Flush()
}
