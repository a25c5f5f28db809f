package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blefleet/internal/device"
	"github.com/srg/blefleet/pkg/config"
	"github.com/srg/blefleet/scanner"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for known BLE device families",
	Long: `Scan for Bluetooth Low Energy peripherals, connect to those matching a
registered device spec and populate them.

When the scan ends the active devices are printed. With --all every sighted
peripheral is listed, recognized or not. With --mqtt (or mqtt.enabled in the
configuration) device status, fleet status and errors are published to the
broker while the scan runs.`,
	Example: `  blefleet scan --duration 30s
  blefleet scan --rssi-min -70 --all
  blefleet scan --stay-connected --mqtt --config fleet.yaml`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration      time.Duration
	scanStayConnected bool
	scanRSSIMin       int
	scanRSSIMax       int
	scanAllowList     []string
	scanBlockList     []string
	scanFormat        string
	scanMQTT          bool
	scanAll           bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 scans until interrupted)")
	scanCmd.Flags().BoolVar(&scanStayConnected, "stay-connected", false, "Keep populated devices connected")
	scanCmd.Flags().IntVar(&scanRSSIMin, "rssi-min", -90, "Weakest accepted signal in dBm")
	scanCmd.Flags().IntVar(&scanRSSIMax, "rssi-max", -15, "Strongest accepted signal in dBm")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only accept peripherals with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Never accept peripherals with these addresses")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanMQTT, "mqtt", false, "Publish to the configured MQTT broker")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "List every sighted peripheral, not only active devices")
}

// applyScanFlags lets explicitly set flags override the configuration.
func applyScanFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("duration") {
		cfg.ScanDuration = scanDuration
	}
	if flags.Changed("stay-connected") {
		cfg.StayConnected = scanStayConnected
	}
	if flags.Changed("rssi-min") {
		cfg.RSSIMin = scanRSSIMin
	}
	if flags.Changed("rssi-max") {
		cfg.RSSIMax = scanRSSIMax
	}
	if flags.Changed("format") {
		cfg.OutputFormat = scanFormat
	}
	if flags.Changed("mqtt") {
		cfg.MQTT.Enabled = scanMQTT
	}
	return cfg.Validate()
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyScanFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	f, err := newFleet(cfg, logger)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", cfg.ScanDuration)
	progress.Start()
	report := f.scanner.Scan(ctx, f.driver, &scanner.Options{
		Duration:  cfg.ScanDuration,
		AllowList: scanAllowList,
		BlockList: scanBlockList,
	})
	progress.Stop()

	if ctx.Err() != nil && cmd.Context().Err() == nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Scan interrupted, showing partial results")
	}
	for _, e := range report.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", color.New(color.FgRed).Sprint("error:"), formatUserError(e))
	}

	rows := scanRows(report, scanAll)
	if cfg.OutputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), rows)
	}
	return writeScanTable(cmd.OutOrStdout(), rows)
}

type scanRow struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Family   string `json:"family,omitempty"`
	State    string `json:"state,omitempty"`
	RSSI     int    `json:"rssi"`
	Vendor   string `json:"vendor,omitempty"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
	Active   bool   `json:"active"`
}

func deviceRow(dev *device.Device) scanRow {
	return scanRow{
		ID:       dev.ID(),
		Name:     dev.Name(),
		Family:   dev.Family().String(),
		State:    dev.State().String(),
		RSSI:     dev.RSSI(),
		Vendor:   dev.Peripheral().Vendor(),
		Model:    dev.ModelNumber(),
		Firmware: dev.FirmwareRevision(),
		Active:   true,
	}
}

// scanRows lists active devices first, then (with all) the remaining
// sightings strongest signal first.
func scanRows(report scanner.Report, all bool) []scanRow {
	rows := make([]scanRow, 0, len(report.Devices))
	for _, dev := range report.Devices {
		rows = append(rows, deviceRow(dev))
	}
	slices.SortStableFunc(rows, func(a, b scanRow) int { return b.RSSI - a.RSSI })
	if !all {
		return rows
	}

	for _, s := range report.Sightings {
		if slices.ContainsFunc(rows, func(r scanRow) bool { return r.ID == s.Peripheral.ID }) {
			continue
		}
		rows = append(rows, scanRow{
			ID:     s.Peripheral.ID,
			Name:   s.Peripheral.Name,
			Family: s.Family,
			RSSI:   s.Peripheral.RSSI,
			Vendor: s.Peripheral.Vendor(),
		})
	}
	return rows
}

func rssiColor(rssi int) *color.Color {
	switch {
	case rssi >= -60:
		return color.New(color.FgGreen)
	case rssi >= -80:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func stateColor(state string) *color.Color {
	switch state {
	case device.StateConnected.String():
		return color.New(color.FgGreen)
	case device.StateConnecting.String():
		return color.New(color.FgYellow)
	case "":
		return color.New(color.Faint)
	default:
		return color.New(color.FgWhite)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeScanTable(w io.Writer, rows []scanRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No devices found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	bold := color.New(color.Bold)
	fmt.Fprintln(tw, bold.Sprint("ADDRESS")+"\t"+bold.Sprint("NAME")+"\t"+bold.Sprint("FAMILY")+"\t"+
		bold.Sprint("STATE")+"\t"+bold.Sprint("RSSI")+"\t"+bold.Sprint("VENDOR")+"\t"+
		bold.Sprint("MODEL")+"\t"+bold.Sprint("FIRMWARE"))

	for _, r := range rows {
		state := r.State
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			orDash(r.Name),
			orDash(r.Family),
			stateColor(state).Sprint(orDash(state)),
			rssiColor(r.RSSI).Sprintf("%d dBm", r.RSSI),
			orDash(r.Vendor),
			orDash(r.Model),
			orDash(r.Firmware))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	active := 0
	for _, r := range rows {
		if r.Active {
			active++
		}
	}
	_, err := fmt.Fprintf(w, "\n%d active device(s), %d peripheral(s) listed\n", active, len(rows))
	return err
}
