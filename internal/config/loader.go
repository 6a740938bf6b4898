package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/viper"
)

// BootstrapKeys are settings read once at process startup from
// swarmguard.yaml or SWARMGUARD_* env vars, rather than through the
// hot claim_config(action=set) path. Mirrors bd's YamlOnlyKeys split
// (internal/config/yaml_config.go) between bootstrap and runtime
// settings.
var BootstrapKeys = map[string]bool{
	"listen":             true,
	"persistence-backend": true,
	"nats-url":           true,
	"otel-exporter":       true,
}

// Load reads swarmguard.yaml (if present) and SWARMGUARD_*
// environment variables into a Config, starting from Default() and
// overlaying only recognized keys. An explicit path of "" searches the
// working directory.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SWARMGUARD")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("swarmguard")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("config: read swarmguard.yaml: %w", err)
		}
	}

	applyIfSet(v, "defaultExpirationMs", func(ms int64) { cfg.DefaultExpiration = time.Duration(ms) * time.Millisecond })
	applyIntIfSet(v, "maxClaimsPerAgent", &cfg.MaxClaimsPerAgent)
	applyIfSet(v, "contestWindowMs", func(ms int64) { cfg.ContestWindow = time.Duration(ms) * time.Millisecond })
	applyIfSet(v, "autoReleaseOnInactivityMs", func(ms int64) { cfg.AutoReleaseOnInactivity = time.Duration(ms) * time.Millisecond })
	applyIfSet(v, "staleThresholdMinutes", func(m int64) { cfg.StaleThreshold = time.Duration(m) * time.Minute })
	applyIfSet(v, "blockedThresholdMinutes", func(m int64) { cfg.BlockedThreshold = time.Duration(m) * time.Minute })
	applyIntIfSet(v, "overloadThreshold", &cfg.OverloadThreshold)
	applyIfSet(v, "gracePeriodMinutes", func(m int64) { cfg.GracePeriod = time.Duration(m) * time.Minute })
	applyIntIfSet(v, "minProgressToProtect", &cfg.MinProgressToProtect)
	if v.IsSet("allowCrossTypeSteal") {
		cfg.AllowCrossTypeSteal = v.GetBool("allowCrossTypeSteal")
	}
	applyIntIfSet(v, "overloadedPercent", &cfg.OverloadedPercent)
	applyIntIfSet(v, "underloadedPercent", &cfg.UnderloadedPercent)
	applyIntIfSet(v, "rebalanceSpreadTrigger", &cfg.RebalanceSpread)
	applyIfSet(v, "rebalanceIntervalMs", func(ms int64) { cfg.RebalanceInterval = time.Duration(ms) * time.Millisecond })
	applyIfSet(v, "rebalanceCooldownMs", func(ms int64) { cfg.RebalanceCooldown = time.Duration(ms) * time.Millisecond })
	applyIntIfSet(v, "maxMovesPerRebalance", &cfg.MaxMovesPerRebalance)
	if v.IsSet("respectCapabilities") {
		cfg.RespectCapabilities = v.GetBool("respectCapabilities")
	}
	if v.IsSet("defaultStrategy") {
		s := RebalanceStrategy(v.GetString("defaultStrategy"))
		if err := ValidateStrategy(s); err != nil {
			return cfg, err
		}
		cfg.DefaultStrategy = s
	}

	return cfg, nil
}

func applyIfSet(v *viper.Viper, key string, set func(int64)) {
	if v.IsSet(key) {
		set(v.GetInt64(key))
	}
}

func applyIntIfSet(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}
