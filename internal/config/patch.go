package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfigValue is returned by ApplySet for an unknown key or a
// value that doesn't match the key's expected shape.
var ErrInvalidConfigValue = errors.New("config: invalid value for key")

// Snapshot renders the current config as a plain map keyed by wire
// name, for claim_config(action=get).
func (c *Config) Snapshot() map[string]any {
	return map[string]any{
		"defaultExpirationMs":       c.DefaultExpiration.Milliseconds(),
		"maxClaimsPerAgent":         c.MaxClaimsPerAgent,
		"contestWindowMs":           c.ContestWindow.Milliseconds(),
		"autoReleaseOnInactivityMs": c.AutoReleaseOnInactivity.Milliseconds(),
		"staleThresholdMinutes":     int64(c.StaleThreshold / time.Minute),
		"blockedThresholdMinutes":   int64(c.BlockedThreshold / time.Minute),
		"overloadThreshold":         c.OverloadThreshold,
		"gracePeriodMinutes":        int64(c.GracePeriod / time.Minute),
		"minProgressToProtect":      c.MinProgressToProtect,
		"allowCrossTypeSteal":       c.AllowCrossTypeSteal,
		"crossTypeStealRules":       c.CrossTypeStealRules,
		"overloadedPercent":         c.OverloadedPercent,
		"underloadedPercent":        c.UnderloadedPercent,
		"rebalanceSpreadTrigger":    c.RebalanceSpread,
		"rebalanceIntervalMs":       c.RebalanceInterval.Milliseconds(),
		"rebalanceCooldownMs":       c.RebalanceCooldown.Milliseconds(),
		"maxMovesPerRebalance":      c.MaxMovesPerRebalance,
		"respectCapabilities":       c.RespectCapabilities,
		"defaultStrategy":           string(c.DefaultStrategy),
	}
}

// ApplySet validates and applies a patch of wire-key -> value pairs in
// place, returning only the keys whose value actually changed so
// claim_config(action=set) can report a diff instead of an echo.
// Unknown keys and bad values fail the whole patch without mutating c.
func (c *Config) ApplySet(patch map[string]any) (map[string]any, error) {
	for key := range patch {
		if !IsKnownKey(key) {
			return nil, fmt.Errorf("%w: unknown config key %q", ErrInvalidConfigValue, key)
		}
	}

	before := c.Snapshot()
	next := *c
	for key, val := range patch {
		if err := next.setOne(key, val); err != nil {
			return nil, err
		}
	}
	*c = next
	after := c.Snapshot()

	changed := make(map[string]any)
	for key, newVal := range after {
		if _, touched := patch[key]; touched && fmt.Sprint(before[key]) != fmt.Sprint(newVal) {
			changed[key] = newVal
		}
	}
	return changed, nil
}

func (c *Config) setOne(key string, val any) error {
	switch key {
	case "defaultExpirationMs":
		ms, err := asInt64(val)
		if err != nil {
			return err
		}
		c.DefaultExpiration = time.Duration(ms) * time.Millisecond
	case "maxClaimsPerAgent":
		n, err := asInt(val)
		if err != nil {
			return err
		}
		c.MaxClaimsPerAgent = n
	case "contestWindowMs":
		ms, err := asInt64(val)
		if err != nil {
			return err
		}
		c.ContestWindow = time.Duration(ms) * time.Millisecond
	case "autoReleaseOnInactivityMs":
		ms, err := asInt64(val)
		if err != nil {
			return err
		}
		c.AutoReleaseOnInactivity = time.Duration(ms) * time.Millisecond
	case "staleThresholdMinutes":
		m, err := asInt64(val)
		if err != nil {
			return err
		}
		c.StaleThreshold = time.Duration(m) * time.Minute
	case "blockedThresholdMinutes":
		m, err := asInt64(val)
		if err != nil {
			return err
		}
		c.BlockedThreshold = time.Duration(m) * time.Minute
	case "overloadThreshold":
		n, err := asInt(val)
		if err != nil {
			return err
		}
		c.OverloadThreshold = n
	case "gracePeriodMinutes":
		m, err := asInt64(val)
		if err != nil {
			return err
		}
		c.GracePeriod = time.Duration(m) * time.Minute
	case "minProgressToProtect":
		n, err := asInt(val)
		if err != nil {
			return err
		}
		c.MinProgressToProtect = n
	case "allowCrossTypeSteal":
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("%w: allowCrossTypeSteal must be a bool", ErrInvalidConfigValue)
		}
		c.AllowCrossTypeSteal = b
	case "crossTypeStealRules":
		rules, ok := val.([]CrossTypeRule)
		if !ok {
			return fmt.Errorf("%w: crossTypeStealRules must be []CrossTypeRule", ErrInvalidConfigValue)
		}
		c.CrossTypeStealRules = rules
	case "overloadedPercent":
		n, err := asInt(val)
		if err != nil {
			return err
		}
		c.OverloadedPercent = n
	case "underloadedPercent":
		n, err := asInt(val)
		if err != nil {
			return err
		}
		c.UnderloadedPercent = n
	case "rebalanceSpreadTrigger":
		n, err := asInt(val)
		if err != nil {
			return err
		}
		c.RebalanceSpread = n
	case "rebalanceIntervalMs":
		ms, err := asInt64(val)
		if err != nil {
			return err
		}
		c.RebalanceInterval = time.Duration(ms) * time.Millisecond
	case "rebalanceCooldownMs":
		ms, err := asInt64(val)
		if err != nil {
			return err
		}
		c.RebalanceCooldown = time.Duration(ms) * time.Millisecond
	case "maxMovesPerRebalance":
		n, err := asInt(val)
		if err != nil {
			return err
		}
		c.MaxMovesPerRebalance = n
	case "respectCapabilities":
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("%w: respectCapabilities must be a bool", ErrInvalidConfigValue)
		}
		c.RespectCapabilities = b
	case "defaultStrategy":
		s := RebalanceStrategy(fmt.Sprint(val))
		if err := ValidateStrategy(s); err != nil {
			return err
		}
		c.DefaultStrategy = s
	}
	return nil
}

func asInt64(val any) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: expected a number, got %T", ErrInvalidConfigValue, val)
	}
}

func asInt(val any) (int, error) {
	n, err := asInt64(val)
	return int(n), err
}
