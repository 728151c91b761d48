package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/bacstack/bacnet"
)

var bbmdCmd = &cobra.Command{
	Use:   "bbmd",
	Short: "Administer a BACnet broadcast management device",
}

var bbmdReadBDTCmd = &cobra.Command{
	Use:   "readbdt <bbmd-addr>",
	Short: "Read the broadcast distribution table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := createClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		entries, err := client.ReadBDT(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Broadcast distribution table is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tPORT\tMASK")
		for _, e := range entries {
			ones, _ := e.Mask.Size()
			fmt.Fprintf(w, "%s\t%d\t/%d\n", e.Address, e.Port, ones)
		}
		return w.Flush()
	},
}

var bbmdWriteBDTCmd = &cobra.Command{
	Use:   "writebdt <bbmd-addr> <entry>...",
	Short: "Replace the broadcast distribution table",
	Long: `Replace the broadcast distribution table. Each entry is given as
ip:port/prefix, for example 10.0.1.255:47808/24.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries := make([]bacnet.BDTEntry, 0, len(args)-1)
		for _, spec := range args[1:] {
			entry, err := parseBDTEntry(spec)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}

		client, err := createClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.WriteBDT(cmd.Context(), args[0], entries); err != nil {
			return err
		}
		fmt.Printf("Wrote %d entries.\n", len(entries))
		return nil
	},
}

var bbmdReadFDTCmd = &cobra.Command{
	Use:   "readfdt <bbmd-addr>",
	Short: "Read the foreign device table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := createClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		entries, err := client.ReadFDT(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Foreign device table is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tPORT\tTTL\tREMAINING")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%d\t%ds\t%ds\n", e.Address, e.Port, e.TTL, e.RemainingTime)
		}
		return w.Flush()
	},
}

var bbmdDeleteFDTCmd = &cobra.Command{
	Use:   "deletefdt <bbmd-addr> <entry-addr>",
	Short: "Delete one foreign device table entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, err := net.ResolveUDPAddr("udp4", args[1])
		if err != nil {
			return fmt.Errorf("invalid entry address %q: %w", args[1], err)
		}

		client, err := createClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.DeleteFDTEntry(cmd.Context(), args[0], entry); err != nil {
			return err
		}
		fmt.Printf("Deleted %s.\n", entry)
		return nil
	},
}

var bbmdRegisterCmd = &cobra.Command{
	Use:   "register <bbmd-addr>",
	Short: "Register as a foreign device once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := createClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		ttl := viper.GetDuration("ttl")
		if err := client.RegisterForeignDevice(cmd.Context(), args[0], ttl); err != nil {
			return err
		}
		fmt.Printf("Registered with %s for %s.\n", args[0], ttl)
		return nil
	},
}

func init() {
	bbmdCmd.AddCommand(bbmdReadBDTCmd, bbmdWriteBDTCmd, bbmdReadFDTCmd, bbmdDeleteFDTCmd, bbmdRegisterCmd)
	rootCmd.AddCommand(bbmdCmd)
}

func parseBDTEntry(spec string) (bacnet.BDTEntry, error) {
	addrPart, prefixPart, found := strings.Cut(spec, "/")
	if !found {
		return bacnet.BDTEntry{}, fmt.Errorf("invalid entry %q, expected ip:port/prefix", spec)
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", addrPart)
	if err != nil {
		return bacnet.BDTEntry{}, fmt.Errorf("invalid entry address %q: %w", addrPart, err)
	}
	prefix, err := strconv.Atoi(prefixPart)
	if err != nil || prefix < 0 || prefix > 32 {
		return bacnet.BDTEntry{}, fmt.Errorf("invalid prefix %q", prefixPart)
	}
	port := udpAddr.Port
	if port == 0 {
		port = bacnet.DefaultPort
	}
	return bacnet.BDTEntry{
		Address: udpAddr.IP.To4(),
		Port:    uint16(port),
		Mask:    net.CIDRMask(prefix, 32),
	}, nil
}
