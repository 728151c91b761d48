package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo/bacstack/bacnet"
)

var readCmd = &cobra.Command{
	Use:   "read <device-id> <object> <property>",
	Short: "Read a property from a device",
	Long: `Read a property from a device discovered on the network.

The object is given as type:instance, for example analog-input:3 or
device:1001. The property is a name like present-value or a numeric
property identifier.`,
	Args: cobra.ExactArgs(3),
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

		client, err := createClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := locateDevice(cmd, client, uint32(deviceID)); err != nil {
			return err
		}

		var opts []bacnet.ReadOption
		if cmd.Flags().Changed("index") {
			index, _ := cmd.Flags().GetUint32("index")
			opts = append(opts, bacnet.WithArrayIndex(index))
		}

		value, err := client.ReadProperty(cmd.Context(), uint32(deviceID), objectID, prop, opts...)
		if err != nil {
			return err
		}

		output, _ := cmd.Flags().GetString("output")
		return printValue(output, objectID, prop, value)
	},
}

func init() {
	readCmd.Flags().Uint32("index", 0, "array index to read")
	readCmd.Flags().String("output", "plain", "output format: plain or json")
	rootCmd.AddCommand(readCmd)
}

// locateDevice runs a targeted Who-Is so the client learns the
// device's address before the confirmed request.
func locateDevice(cmd *cobra.Command, client *bacnet.Client, deviceID uint32) error {
	devices, err := client.DiscoverDevices(cmd.Context(),
		bacnet.WithDeviceRange(deviceID, deviceID),
		bacnet.WithDiscoveryTimeout(2*time.Second))
	if err != nil && len(devices) == 0 {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("device %d did not answer Who-Is", deviceID)
	}
	return nil
}

func parseObjectSpec(spec string) (bacnet.ObjectIdentifier, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return bacnet.ObjectIdentifier{}, fmt.Errorf("invalid object %q, expected type:instance", spec)
	}

	instance, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return bacnet.ObjectIdentifier{}, fmt.Errorf("invalid object instance %q: %w", parts[1], err)
	}

	if objectType, ok := bacnet.ParseObjectType(parts[0]); ok {
		return bacnet.NewObjectIdentifier(objectType, uint32(instance)), nil
	}
	typeNum, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return bacnet.ObjectIdentifier{}, fmt.Errorf("unknown object type %q", parts[0])
	}
	return bacnet.NewObjectIdentifier(bacnet.ObjectType(typeNum), uint32(instance)), nil
}

func parsePropertySpec(spec string) (bacnet.PropertyIdentifier, error) {
	if prop, ok := bacnet.ParsePropertyIdentifier(spec); ok {
		return prop, nil
	}
	num, err := strconv.ParseUint(spec, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown property %q", spec)
	}
	return bacnet.PropertyIdentifier(num), nil
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return v
	case []byte:
		return fmt.Sprintf("%X", v)
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(v)
	}
}

func printValue(format string, objectID bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier, value interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"object":   objectID.String(),
			"property": prop.String(),
			"value":    formatValue(value),
		})
	default:
		fmt.Printf("%s %s = %s\n", objectID, prop, formatValue(value))
		return nil
	}
}
