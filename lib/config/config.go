// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config loads the client configuration from file and
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Configuration is everything the client needs to reach its peer and
// keep local state.
type Configuration struct {
	// DeviceName is how we introduce ourselves in the hello message and
	// the cluster config.
	DeviceName string `mapstructure:"device_name"`

	// Device is the peer's device ID in its canonical string form.
	Device string `mapstructure:"device"`

	// Address is a tcp:// or relay:// URL, or "dynamic" to use
	// discovery.
	Address string `mapstructure:"address"`

	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	DatabasePath string `mapstructure:"database_path"`
	CachePath    string `mapstructure:"cache_path"`

	// DownloadLimitKBps caps the inbound rate; zero means unlimited.
	DownloadLimitKBps int `mapstructure:"download_limit_kbps"`
}

// Load reads the configuration file at path, or the default locations
// when path is empty, applying defaults and STGET_* environment
// overrides.
func Load(path string) (Configuration, error) {
	v := viper.New()
	v.SetEnvPrefix("stget")
	v.AutomaticEnv()

	home := dataDir()
	v.SetDefault("device_name", defaultDeviceName())
	v.SetDefault("device", "")
	v.SetDefault("address", "dynamic")
	v.SetDefault("cert_file", filepath.Join(home, "cert.pem"))
	v.SetDefault("key_file", filepath.Join(home, "key.pem"))
	v.SetDefault("database_path", filepath.Join(home, "catalog.db"))
	v.SetDefault("cache_path", filepath.Join(home, "blocks"))
	v.SetDefault("download_limit_kbps", 0)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stget")
		v.AddConfigPath(home)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Configuration{}, fmt.Errorf("reading config: %w", err)
		}
		// No config file is fine; defaults and environment rule.
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return Configuration{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func dataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "stget")
	}
	return "."
}

func defaultDeviceName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "stget"
}
