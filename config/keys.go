// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

// Flag and config-file keys. Environment variables use the ARKGW_
// prefix with dashes replaced by underscores, e.g. ARKGW_RELAY_URLS.
const (
	ConfigFileKey = "config"

	DBPathKey      = "db-path"
	IdentityKeyKey = "identity-key"
	RelayURLsKey   = "relay-urls"

	ArkdAddrKey = "arkd-addr"
	TapdAddrKey = "tapd-addr"
	LndAddrKey  = "lnd-addr"

	HTTPAddrKey = "http-addr"

	MaxActiveSessionsKey = "max-active-sessions"
	VtxoTargetKey        = "vtxo-target"
	VtxoWarningKey       = "vtxo-warning"
	VtxoCriticalKey      = "vtxo-critical"
	VtxoBatchSizeKey     = "vtxo-batch-size"

	LogLevelKey = "log-level"
)
