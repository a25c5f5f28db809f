package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blefleet/internal/device"
)

var specsCmd = &cobra.Command{
	Use:   "specs",
	Short: "List registered device specs",
	Long: `List the device families the driver recognizes: the built-in specs plus
those loaded from spec_file. With --services every claimed service and its
initial characteristics are shown.`,
	Args: cobra.NoArgs,
	RunE: runSpecs,
}

var specsServices bool

func init() {
	specsCmd.Flags().BoolVarP(&specsServices, "services", "s", false, "Show services and characteristics")
}

func runSpecs(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	registry, err := cfg.SpecRegistry()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	return writeSpecs(cmd.OutOrStdout(), registry.Specs(), specsServices)
}

// charFlags renders R/W/N and * for required characteristics.
func charFlags(c device.CharacteristicSpec) string {
	var sb strings.Builder
	for _, f := range []struct {
		on bool
		r  byte
	}{{c.Readable, 'R'}, {c.Writable, 'W'}, {c.Notify, 'N'}, {c.Required, '*'}} {
		if f.on {
			sb.WriteByte(f.r)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

func writeSpecs(w io.Writer, specs []*device.DeviceSpec, services bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tNAME\tADVERTISES\tSERVICES")
	for _, s := range specs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n",
			color.New(color.FgCyan).Sprint(s.Family), orDash(s.Name), orDash(strings.Join(s.Advertised, ",")), len(s.Services))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !services {
		return nil
	}

	for _, s := range specs {
		fmt.Fprintf(w, "\n%s", color.New(color.Bold).Sprint(s.Family))
		if s.Name != "" {
			fmt.Fprintf(w, " (%s)", s.Name)
		}
		fmt.Fprintln(w)
		for _, svc := range s.Services {
			fmt.Fprintf(w, "  %s %s\n", svc.UUID, svc.Name)
			for _, c := range svc.Characteristics {
				fmt.Fprintf(w, "    %s %s %-7s %s\n", charFlags(c), c.UUID, c.Kind, c.Name)
			}
		}
	}
	return nil
}
