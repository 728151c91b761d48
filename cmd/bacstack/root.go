// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/bacstack/bacnet"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "bacstack",
	Short: "BACnet/IP client for building automation networks",
	Long: `bacstack talks to BACnet devices over BACnet/IP: discovery,
property reads and writes, COV subscriptions, and BBMD administration.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		slog.SetDefault(slog.New(handler))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("bacstack", version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("address", fmt.Sprintf("0.0.0.0:%d", bacnet.DefaultPort), "local bind address")
	flags.Uint32("device-id", 0, "local device instance number")
	flags.String("bbmd", "", "BBMD address for foreign device registration (host:port)")
	flags.Duration("ttl", 300*time.Second, "foreign device registration time-to-live")
	flags.String("secure", "", "QUIC secure endpoint instead of plain UDP (host:port)")
	flags.Duration("timeout", 3*time.Second, "per-request timeout")
	flags.Int("retries", 3, "retransmit budget")
	flags.BoolP("verbose", "v", false, "enable debug logging")

	for _, name := range []string{"address", "device-id", "bbmd", "ttl", "secure", "timeout", "retries", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	home, err := os.UserHomeDir()
	if err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".bacstack")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BACSTACK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		slog.Debug("using config file", "path", viper.ConfigFileUsed())
	}
}

// createClient builds and connects a client from the global flags.
func createClient(cmd *cobra.Command) (*bacnet.Client, error) {
	opts := []bacnet.Option{
		bacnet.WithLocalAddress(viper.GetString("address")),
		bacnet.WithDeviceID(viper.GetUint32("device-id")),
		bacnet.WithTimeout(viper.GetDuration("timeout")),
		bacnet.WithRetries(viper.GetInt("retries")),
		bacnet.WithLogger(slog.Default()),
	}
	if bbmd := viper.GetString("bbmd"); bbmd != "" {
		opts = append(opts, bacnet.WithBBMD(bbmd, viper.GetDuration("ttl")))
	}
	if secure := viper.GetString("secure"); secure != "" {
		opts = append(opts, bacnet.WithSecureEndpoint(secure))
	}

	client, err := bacnet.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(cmd.Context()); err != nil {
		return nil, err
	}
	return client, nil
}
