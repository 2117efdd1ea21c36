// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to serve the API, health and metrics.")
	flag.String("settings", "", "Path to the persisted settings file. Defaults to settings.json in the user config directory.")
	flag.String("local-platform", "auto", "The usbip dialect of the local machine. Possible values: auto, linux, windows.")
	flag.String("local-sudo-password", "", "Sudo password for privileged local commands. Usually supplied via the environment.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbipmgr/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// hostConfig is one remote endpoint from the config file. The username
// and host key acceptance can also come from the credential store; the
// config file wins when both are present. Passwords only ever come
// from the config/environment, never from persisted storage.
type hostConfig struct {
	Address       string `json:"address"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	SudoPassword  string `json:"sudo-password"`
	Platform      string `json:"platform"`
	AcceptHostKey bool   `json:"accept-host-key"`
}

func getConfiguredHosts() (map[string]*hostConfig, error) {
	hostDefs := viper.GetStringMap("hosts")
	result := make(map[string]*hostConfig)

	for name, def := range hostDefs {
		cfg := &hostConfig{}
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  cfg,
			TagName: "json",
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode host %q: %w", name, err)
		}
		if cfg.Address == "" {
			cfg.Address = name
		}
		if cfg.Platform == "" {
			cfg.Platform = "auto"
		}
		result[name] = cfg
	}
	return result, nil
}
