// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := GetConfigFromFlags(nil)
	require.NoError(err)
	require.Equal([]string{"ws://127.0.0.1:7777"}, cfg.RelayURLs)
	require.Equal("127.0.0.1:8080", cfg.HTTPAddr)
	require.Equal(100, cfg.MaxActiveSessions)
	require.Equal(10_000, cfg.VtxoTarget)
	require.Empty(cfg.DBPath)
	require.Equal("info", cfg.LogLevel)
}

func TestFlagsOverrideDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := GetConfigFromFlags([]string{
		"--relay-urls", "wss://relay-a,wss://relay-b",
		"--max-active-sessions", "7",
		"--db-path", "/tmp/arkgw",
	})
	require.NoError(err)
	require.Equal([]string{"wss://relay-a", "wss://relay-b"}, cfg.RelayURLs)
	require.Equal(7, cfg.MaxActiveSessions)
	require.Equal("/tmp/arkgw", cfg.DBPath)
}

func TestEnvOverridesDefaults(t *testing.T) {
	require := require.New(t)

	t.Setenv("ARKGW_LOG_LEVEL", "debug")
	t.Setenv("ARKGW_ARKD_ADDR", "arkd.internal:10009")

	cfg, err := GetConfigFromFlags(nil)
	require.NoError(err)
	require.Equal("debug", cfg.LogLevel)
	require.Equal("arkd.internal:10009", cfg.ArkdAddr)
}

func TestThresholdOrderingEnforced(t *testing.T) {
	require := require.New(t)

	_, err := GetConfigFromFlags([]string{
		"--vtxo-critical", "5000",
		"--vtxo-warning", "3000",
	})
	require.Error(err)
}
