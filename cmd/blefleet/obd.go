package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blefleet/bridge"
	"github.com/srg/blefleet/internal/device"
	"github.com/srg/blefleet/internal/obd"
	"github.com/srg/blefleet/pkg/config"
	"github.com/srg/blefleet/scanner"
)

var obdCmd = &cobra.Command{
	Use:   "obd",
	Short: "ELM327 AT commands and OBD-II responses",
	Long: `Work with the ELM327 protocol: encode AT commands, decode OBD-II responses
offline, list the supported commands, or query PIDs from an adapter over BLE.`,
}

var obdEncodeCmd = &cobra.Command{
	Use:   "encode <mnemonic> [args...]",
	Short: "Encode an AT command",
	Long: `Encode an ELM327 AT command with its parameters. Decimal parameters are
read base 10, all others as hex.`,
	Example: `  blefleet obd encode SP 6
  blefleet obd encode ATSH 7E0
  blefleet obd encode CRA 7E8`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOBDEncode,
}

var obdRequestCmd = &cobra.Command{
	Use:     "request <service> [pids...]",
	Short:   "Encode an OBD-II diagnostic request",
	Example: "  blefleet obd request 01 0C 0D",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runOBDRequest,
}

var obdDecodeCmd = &cobra.Command{
	Use:   "decode <response|payload>",
	Short: "Decode an OBD-II response",
	Long: `Decode adapter output. Without --pid the argument is raw adapter output
("41 0C 1A F8", several ECU lines allowed). With --pid it is the bare data
payload of that PID.`,
	Example: `  blefleet obd decode "41 0C 1A F8"
  blefleet obd decode --pid 05 7B
  blefleet obd decode --service 2 --pid 0D 32`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOBDDecode,
}

var obdCommandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List supported AT commands",
	Args:  cobra.NoArgs,
	RunE:  runOBDCommands,
}

var obdQueryCmd = &cobra.Command{
	Use:   "query --device <address> [--pid PP ...]",
	Short: "Query PIDs from an ELM327 adapter over BLE",
	Long: `Scan until the adapter becomes an active device, initialize it and read the
requested service 01 PIDs. Without --pid the supported PIDs are listed.`,
	Example: `  blefleet obd query --device AA:BB:CC:DD:EE:FF --pid 0C --pid 0D
  blefleet obd query --device AA:BB:CC:DD:EE:FF --mqtt`,
	Args: cobra.NoArgs,
	RunE: runOBDQuery,
}

var obdBridgeCmd = &cobra.Command{
	Use:   "bridge --device <address> [--tty-link PATH]",
	Short: "Expose an ELM327 adapter as a local serial port",
	Long: `Scan until the adapter becomes an active device, then bridge its serial
channel to a pseudo-terminal. OBD software that expects a serial ELM327 can
open the printed TTY (or --tty-link). With --mqtt, answers to service 01
requests crossing the bridge are published as telemetry.`,
	Example: `  blefleet obd bridge --device AA:BB:CC:DD:EE:FF --tty-link /tmp/obd`,
	Args:    cobra.NoArgs,
	RunE:    runOBDBridge,
}

var (
	bridgeDevice  string
	bridgeTTYLink string
	bridgeMQTT    bool
)

var (
	decodeService int
	decodePID     string
	decodeFormat  string
	commandsGroup string
	queryDevice   string
	queryPIDs     []string
	queryFormat   string
	queryMQTT     bool
)

func init() {
	obdDecodeCmd.Flags().IntVar(&decodeService, "service", 1, "Service the payload answers (1 or 2)")
	obdDecodeCmd.Flags().StringVar(&decodePID, "pid", "", "PID of a bare payload, in hex")
	obdDecodeCmd.Flags().StringVarP(&decodeFormat, "format", "f", "table", "Output format (table, json)")

	obdCommandsCmd.Flags().StringVarP(&commandsGroup, "group", "g", "", "Only list one group (general, obd, can, volts, j1939, j1850, iso, pps)")

	obdQueryCmd.Flags().StringVar(&queryDevice, "device", "", "Adapter address")
	obdQueryCmd.Flags().StringSliceVar(&queryPIDs, "pid", nil, "Service 01 PIDs to read, in hex")
	obdQueryCmd.Flags().StringVarP(&queryFormat, "format", "f", "table", "Output format (table, json)")
	obdQueryCmd.Flags().BoolVar(&queryMQTT, "mqtt", false, "Publish results to the configured MQTT broker")
	_ = obdQueryCmd.MarkFlagRequired("device")

	obdBridgeCmd.Flags().StringVar(&bridgeDevice, "device", "", "Adapter address")
	obdBridgeCmd.Flags().StringVar(&bridgeTTYLink, "tty-link", "", "Create a symlink to the TTY at this path")
	obdBridgeCmd.Flags().BoolVar(&bridgeMQTT, "mqtt", false, "Publish observed results to the configured MQTT broker")
	_ = obdBridgeCmd.MarkFlagRequired("device")

	obdCmd.AddCommand(obdEncodeCmd, obdRequestCmd, obdDecodeCmd, obdCommandsCmd, obdQueryCmd, obdBridgeCmd)
}

func runOBDEncode(cmd *cobra.Command, args []string) error {
	c, ok := obd.Lookup(args[0])
	if !ok {
		return fmt.Errorf("%w: %q", obd.ErrUnknownCommand, args[0])
	}
	values, err := c.ParseArgs(args[1:])
	if err != nil {
		return err
	}
	line, err := obd.Encode(c, values...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), line)
	return err
}

func parseHexInts(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(a), "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte %q", a)
		}
		out[i] = int(v)
	}
	return out, nil
}

func runOBDRequest(cmd *cobra.Command, args []string) error {
	values, err := parseHexInts(args)
	if err != nil {
		return err
	}
	line, err := obd.EncodeRequest(values[0], values[1:]...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), line)
	return err
}

func decodeResults(raw string) ([]obd.Result, error) {
	if decodePID != "" {
		pid, err := parseHexInts([]string{decodePID})
		if err != nil {
			return nil, err
		}
		in, ok := obd.InterpreterFor(byte(pid[0]))
		if !ok {
			return nil, fmt.Errorf("%w: %02X", obd.ErrUnsupportedPID, pid[0])
		}
		res, err := in.Interpret(raw, byte(decodeService))
		if err != nil {
			return nil, err
		}
		return []obd.Result{res}, nil
	}

	responses, err := obd.ParseResponses(raw)
	if err != nil {
		return nil, err
	}
	var results []obd.Result
	var errs []error
	for _, resp := range responses {
		res, err := obd.Interpret(resp)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", resp.Raw, err))
			continue
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		return nil, errors.Join(errs...)
	}
	return results, nil
}

func validateFormat(format string) error {
	if !slices.Contains(config.OutputFormats, format) {
		return fmt.Errorf("invalid format '%s': must be one of %v", format, config.OutputFormats)
	}
	return nil
}

func runOBDDecode(cmd *cobra.Command, args []string) error {
	if err := validateFormat(decodeFormat); err != nil {
		return err
	}
	if decodeService != 1 && decodeService != 2 {
		return fmt.Errorf("invalid service %d: must be 1 or 2", decodeService)
	}
	results, err := decodeResults(strings.Join(args, " "))
	if err != nil {
		return err
	}
	if decodeFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), results)
	}
	return writeResultsTable(cmd.OutOrStdout(), results)
}

func runOBDCommands(cmd *cobra.Command, _ []string) error {
	commands := obd.Commands()
	if commandsGroup != "" {
		g, err := obd.ParseGroup(commandsGroup)
		if err != nil {
			return err
		}
		commands = obd.CommandsIn(g)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tSYNTAX\tDESCRIPTION")
	for _, c := range commands {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Group(), c.Syntax(), c.Description())
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatValue(r obd.Result) string {
	if len(r.Values) > 0 {
		return strings.Join(r.Values, " ")
	}
	return strconv.FormatFloat(r.Value, 'f', -1, 64)
}

func writeResultsTable(w io.Writer, results []obd.Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tMETRIC\tVALUE\tUNIT")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.PID, r.Metric, color.New(color.FgCyan).Sprint(formatValue(r)), r.Unit)
	}
	return tw.Flush()
}

// awaitDevice scans until id becomes an active device or the scan ends.
func awaitDevice(ctx context.Context, f *fleet, id string, opts *scanner.Options) (*device.Device, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case ev := <-f.scanner.Events():
				if ev.Type == scanner.EventAdded && strings.EqualFold(ev.Sighting.Peripheral.ID, id) {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	report := f.scanner.Scan(ctx, f.driver, opts)
	for _, dev := range report.Devices {
		if strings.EqualFold(dev.ID(), id) {
			return dev, nil
		}
	}
	if len(report.Errors) > 0 {
		return nil, report.Errors[0]
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

// connectAdapter builds the fleet and scans until the adapter at address is
// active and stays connected.
func connectAdapter(cmd *cobra.Command, address string, mqttEnabled bool) (context.Context, *fleet, *device.Device, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if cmd.Flags().Changed("mqtt") {
		cfg.MQTT.Enabled = mqttEnabled
	}
	// the serial link has to outlive population
	cfg.StayConnected = true
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	cmd.SilenceUsage = true

	f, err := newFleet(cfg, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	cleanup := func() {
		stop()
		f.Close()
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Looking for "+address, "Scanning", cfg.ScanDuration)
	progress.Start()
	dev, err := awaitDevice(ctx, f, address, &scanner.Options{
		Duration:  cfg.ScanDuration,
		AllowList: []string{address},
	})
	progress.Stop()
	if err != nil {
		cleanup()
		if ctx.Err() != nil && cmd.Context().Err() == nil {
			return nil, nil, nil, nil, context.Canceled
		}
		return nil, nil, nil, nil, err
	}
	return ctx, f, dev, cleanup, nil
}

func runOBDQuery(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(queryFormat); err != nil {
		return err
	}
	pids, err := parseHexInts(queryPIDs)
	if err != nil {
		return err
	}

	ctx, f, dev, cleanup, err := connectAdapter(cmd, queryDevice, queryMQTT)
	if err != nil {
		return err
	}
	defer cleanup()

	link, err := obd.DeviceLink(dev)
	if err != nil {
		return err
	}
	sessionOpts := []obd.SessionOption{
		obd.WithLogger(f.logger),
		obd.WithResponseTimeout(f.responseTimeout),
	}
	if f.publisher != nil {
		sessionOpts = append(sessionOpts, obd.WithResponseHandler(f.publisher.TelemetryHandler(dev.ID())))
	}
	session := obd.NewSession(link, sessionOpts...)
	defer session.Close()

	version, err := session.Init(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Connected to %s (%s)\n", dev.Name(), version)

	if len(pids) == 0 {
		supported, err := session.SupportedPIDs(ctx)
		if err != nil {
			return err
		}
		if queryFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), supported)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(supported, " "))
		return err
	}

	results := make([]obd.Result, 0, len(pids))
	for _, pid := range pids {
		res, err := session.Read(ctx, byte(pid))
		if err != nil {
			if obd.IsNoData(err) {
				f.logger.WithField("pid", fmt.Sprintf("%02X", pid)).Warn("Vehicle has no data for PID")
				continue
			}
			return err
		}
		results = append(results, res)
	}
	if queryFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), results)
	}
	return writeResultsTable(cmd.OutOrStdout(), results)
}

func runOBDBridge(cmd *cobra.Command, _ []string) error {
	ctx, f, dev, cleanup, err := connectAdapter(cmd, bridgeDevice, bridgeMQTT)
	if err != nil {
		return err
	}
	defer cleanup()

	link, err := obd.DeviceLink(dev)
	if err != nil {
		return err
	}
	opts := bridge.Options{
		Link:           link,
		Logger:         f.logger,
		TTYSymlinkPath: bridgeTTYLink,
	}
	if f.publisher != nil {
		opts.Handler = f.publisher.TelemetryHandler(dev.ID())
	}
	b, err := bridge.Start(opts)
	if err != nil {
		return err
	}
	defer b.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Bridging %s (%s)\n", dev.Name(), dev.ID())
	fmt.Fprintf(out, "  TTY:     %s\n", color.New(color.FgGreen).Sprint(b.TTYName()))
	if symlink := b.TTYSymlink(); symlink != "" {
		fmt.Fprintf(out, "  Symlink: %s\n", symlink)
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		return nil
	case err := <-b.Failed():
		return err
	}
}
