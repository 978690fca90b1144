// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config resolves gateway configuration from flags, environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "ARKGW"

type Config struct {
	// DBPath is the leveldb directory; empty runs in memory.
	DBPath string

	// IdentityKey is the gateway's hex private key; empty generates an
	// ephemeral identity.
	IdentityKey string

	RelayURLs []string

	ArkdAddr string
	TapdAddr string
	LndAddr  string

	HTTPAddr string

	MaxActiveSessions int
	VtxoTarget        int
	VtxoWarning       int
	VtxoCritical      int
	VtxoBatchSize     int

	LogLevel string
}

// AddFlags registers every gateway flag with its default.
func AddFlags(flags *pflag.FlagSet) {
	flags.String(ConfigFileKey, "", "Path to an optional config file")
	flags.String(DBPathKey, "", "Database directory; empty runs in memory")
	flags.String(IdentityKeyKey, "", "Gateway identity private key (hex); empty generates an ephemeral key")
	flags.StringSlice(RelayURLsKey, []string{"ws://127.0.0.1:7777"}, "Relay websocket URLs")
	flags.String(ArkdAddrKey, "127.0.0.1:10009", "arkd gRPC address")
	flags.String(TapdAddrKey, "127.0.0.1:10010", "tapd gRPC address")
	flags.String(LndAddrKey, "127.0.0.1:10011", "lnd gRPC address")
	flags.String(HTTPAddrKey, "127.0.0.1:8080", "Admin HTTP listen address")
	flags.Int(MaxActiveSessionsKey, 100, "Admission ceiling for concurrent signing sessions")
	flags.Int(VtxoTargetKey, 10_000, "Inventory level replenishment aims for")
	flags.Int(VtxoWarningKey, 3_000, "Inventory level that logs a warning")
	flags.Int(VtxoCriticalKey, 1_000, "Inventory level that logs an error")
	flags.Int(VtxoBatchSizeKey, 1_000, "Outputs created per replenishment batch")
	flags.String(LogLevelKey, "info", "Log level (debug, info, warn, error)")
}

// BuildViper binds the flag set plus ARKGW_ environment variables and,
// when --config is set, the config file.
func BuildViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	if path := v.GetString(ConfigFileKey); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return v, nil
}

// GetConfig resolves the gateway configuration from a bound viper.
func GetConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DBPath:            cast.ToString(v.Get(DBPathKey)),
		IdentityKey:       cast.ToString(v.Get(IdentityKeyKey)),
		RelayURLs:         cast.ToStringSlice(v.Get(RelayURLsKey)),
		ArkdAddr:          cast.ToString(v.Get(ArkdAddrKey)),
		TapdAddr:          cast.ToString(v.Get(TapdAddrKey)),
		LndAddr:           cast.ToString(v.Get(LndAddrKey)),
		HTTPAddr:          cast.ToString(v.Get(HTTPAddrKey)),
		MaxActiveSessions: cast.ToInt(v.Get(MaxActiveSessionsKey)),
		VtxoTarget:        cast.ToInt(v.Get(VtxoTargetKey)),
		VtxoWarning:       cast.ToInt(v.Get(VtxoWarningKey)),
		VtxoCritical:      cast.ToInt(v.Get(VtxoCriticalKey)),
		VtxoBatchSize:     cast.ToInt(v.Get(VtxoBatchSizeKey)),
		LogLevel:          cast.ToString(v.Get(LogLevelKey)),
	}

	if len(cfg.RelayURLs) == 0 {
		return nil, fmt.Errorf("%s must name at least one relay", RelayURLsKey)
	}
	if cfg.VtxoCritical > cfg.VtxoWarning || cfg.VtxoWarning > cfg.VtxoTarget {
		return nil, fmt.Errorf("inventory thresholds must be ordered: %s <= %s <= %s",
			VtxoCriticalKey, VtxoWarningKey, VtxoTargetKey)
	}
	return cfg, nil
}

// GetConfigFromFlags parses [args] against a fresh flag set and
// resolves the configuration.
func GetConfigFromFlags(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("gatewaygo", pflag.ContinueOnError)
	AddFlags(flags)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	v, err := BuildViper(flags)
	if err != nil {
		return nil, err
	}
	return GetConfig(v)
}
