package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo/bacstack/bacnet"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover BACnet devices with a Who-Is broadcast",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := createClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		wait, _ := cmd.Flags().GetDuration("wait")
		opts := []bacnet.DiscoverOption{bacnet.WithDiscoveryTimeout(wait)}

		if rangeSpec, _ := cmd.Flags().GetString("range"); rangeSpec != "" {
			low, high, err := parseDeviceRange(rangeSpec)
			if err != nil {
				return err
			}
			opts = append(opts, bacnet.WithDeviceRange(low, high))
		}

		devices, err := client.DiscoverDevices(cmd.Context(), opts...)
		if err != nil && len(devices) == 0 {
			return err
		}

		if len(devices) == 0 {
			fmt.Println("No devices found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tNETWORK\tMAX APDU\tSEGMENTATION\tVENDOR")
		for _, d := range devices {
			fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%d\n",
				d.ObjectID.Instance, d.Address.Net, d.MaxAPDULength, d.Segmentation, d.VendorID)
		}
		return w.Flush()
	},
}

func init() {
	scanCmd.Flags().Duration("wait", 5*time.Second, "how long to collect I-Am replies")
	scanCmd.Flags().String("range", "", "limit discovery to a device instance range (low-high)")
	rootCmd.AddCommand(scanCmd)
}

func parseDeviceRange(spec string) (uint32, uint32, error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q, expected low-high", spec)
	}
	low, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range %q: %w", spec, err)
	}
	high, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range %q: %w", spec, err)
	}
	if low > high {
		return 0, 0, fmt.Errorf("invalid range %q: low exceeds high", spec)
	}
	return uint32(low), uint32(high), nil
}
