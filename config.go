package main

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/usbip-go/vhci-core/device"
)

const defaultListen = ":8080"

// initConfig defines config flags, config file, and envs, following the
// same viper/pflag wiring the teacher's device plugin used.
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", defaultListen, "The address at which to listen for health and metrics.")
	flag.Bool("replay-persisted", true, "Replay devices marked persistent on startup.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/vhcid/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error, defaults and flags stand.
		} else {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// startupDeviceSpec is one entry of the "devices" config list: a
// location to attach immediately at startup, independent of whatever
// the persistence registry later replays.
type startupDeviceSpec struct {
	Host       string `mapstructure:"host"`
	Service    string `mapstructure:"service"`
	BusID      string `mapstructure:"busid"`
	Persistent bool   `mapstructure:"persistent"`
}

// getConfiguredDevices decodes the "devices" config key the same way
// the teacher's getConfiguredDevices decoded "resources", via
// mapstructure.
func getConfiguredDevices() ([]startupDeviceSpec, error) {
	raw := viper.Get("devices")
	if raw == nil {
		return nil, nil
	}
	var specs []startupDeviceSpec
	if err := mapstructure.Decode(raw, &specs); err != nil {
		return nil, fmt.Errorf("failed to decode devices config: %w", err)
	}
	return specs, nil
}

func (s startupDeviceSpec) location() device.Location {
	return device.Location{Host: s.Host, Service: s.Service, BusID: s.BusID}
}
