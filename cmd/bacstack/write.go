package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edgeo/bacstack/bacnet"
)

var writeCmd = &cobra.Command{
	Use:   "write <device-id> <object> <property> <value>",
	Short: "Write a property on a device",
	Long: `Write a property on a device discovered on the network.

The value type is inferred from its shape (real, integer, boolean,
string) unless --type forces one of: real, unsigned, signed, boolean,
string, enumerated, null.`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid device id %q: %w", args[0], err)
		}
		objectID, err := parseObjectSpec(args[1])
		if err != nil {
			return err
		}
		prop, err := parsePropertySpec(args[2])
		if err != nil {
			return err
		}

		valueType, _ := cmd.Flags().GetString("type")
		value, err := parseValueSpec(args[3], valueType)
		if err != nil {
			return err
		}

		client, err := createClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := locateDevice(cmd, client, uint32(deviceID)); err != nil {
			return err
		}

		var opts []bacnet.WriteOption
		if cmd.Flags().Changed("priority") {
			priority, _ := cmd.Flags().GetUint8("priority")
			opts = append(opts, bacnet.WithPriority(priority))
		}
		if cmd.Flags().Changed("index") {
			index, _ := cmd.Flags().GetUint32("index")
			opts = append(opts, bacnet.WithWriteArrayIndex(index))
		}

		if err := client.WriteProperty(cmd.Context(), uint32(deviceID), objectID, prop, value, opts...); err != nil {
			return err
		}
		fmt.Printf("%s %s written\n", objectID, prop)
		return nil
	},
}

func init() {
	writeCmd.Flags().Uint8("priority", 0, "command priority 1..16")
	writeCmd.Flags().Uint32("index", 0, "array index to write")
	writeCmd.Flags().String("type", "", "force the value type")
	rootCmd.AddCommand(writeCmd)
}

func parseValueSpec(raw, forced string) (interface{}, error) {
	switch forced {
	case "":
		// Inferred below.
	case "null":
		return nil, nil
	case "real":
		f, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid real %q: %w", raw, err)
		}
		return float32(f), nil
	case "unsigned", "enumerated":
		u, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", forced, raw, err)
		}
		return uint32(u), nil
	case "signed":
		i, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid signed %q: %w", raw, err)
		}
		return int32(i), nil
	case "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q: %w", raw, err)
		}
		return b, nil
	case "string":
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", forced)
	}

	if b, err := strconv.ParseBool(raw); err == nil && (raw == "true" || raw == "false") {
		return b, nil
	}
	if u, err := strconv.ParseUint(raw, 10, 32); err == nil {
		return uint32(u), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 32); err == nil {
		return int32(i), nil
	}
	if f, err := strconv.ParseFloat(raw, 32); err == nil {
		return float32(f), nil
	}
	return raw, nil
}
