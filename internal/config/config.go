// Package config loads and validates the coordinator's runtime
// configuration, mirroring bd's split between bootstrap settings (read
// once from config.yaml at startup) and hot-settable settings served
// through claim_config.
package config

import (
	"fmt"
	"time"
)

// RebalanceStrategy enumerates the move-selection strategies the
// Rebalancer accepts (spec §6).
type RebalanceStrategy string

const (
	StrategyRoundRobin      RebalanceStrategy = "round-robin"
	StrategyLeastLoaded     RebalanceStrategy = "least-loaded"
	StrategyPriorityBased   RebalanceStrategy = "priority-based"
	StrategyCapabilityBased RebalanceStrategy = "capability-based"
)

var validStrategies = map[RebalanceStrategy]bool{
	StrategyRoundRobin:      true,
	StrategyLeastLoaded:     true,
	StrategyPriorityBased:   true,
	StrategyCapabilityBased: true,
}

// CrossTypeRule is an unordered pair of agent types allowed to steal
// from one another.
type CrossTypeRule struct {
	A string
	B string
}

// Allows reports whether the rule permits a steal between from and to
// (order-independent).
func (r CrossTypeRule) Allows(from, to string) bool {
	return (r.A == from && r.B == to) || (r.A == to && r.B == from)
}

// Config holds every enumerated option from spec §6. Field names match
// the wire keys via the struct tags so claim_config(action=set) can
// validate against an explicit allowlist instead of reflecting over
// arbitrary keys.
type Config struct {
	DefaultExpiration      time.Duration     `yaml:"defaultExpirationMs" key:"defaultExpirationMs"`
	MaxClaimsPerAgent      int               `yaml:"maxClaimsPerAgent" key:"maxClaimsPerAgent"`
	ContestWindow          time.Duration     `yaml:"contestWindowMs" key:"contestWindowMs"`
	AutoReleaseOnInactivity time.Duration    `yaml:"autoReleaseOnInactivityMs" key:"autoReleaseOnInactivityMs"`
	StaleThreshold         time.Duration     `yaml:"staleThresholdMinutes" key:"staleThresholdMinutes"`
	BlockedThreshold       time.Duration     `yaml:"blockedThresholdMinutes" key:"blockedThresholdMinutes"`
	OverloadThreshold      int               `yaml:"overloadThreshold" key:"overloadThreshold"`
	GracePeriod            time.Duration     `yaml:"gracePeriodMinutes" key:"gracePeriodMinutes"`
	MinProgressToProtect   int               `yaml:"minProgressToProtect" key:"minProgressToProtect"`
	AllowCrossTypeSteal    bool              `yaml:"allowCrossTypeSteal" key:"allowCrossTypeSteal"`
	CrossTypeStealRules    []CrossTypeRule   `yaml:"crossTypeStealRules" key:"crossTypeStealRules"`

	OverloadedPercent  int               `yaml:"overloadedPercent" key:"overloadedPercent"`
	UnderloadedPercent int               `yaml:"underloadedPercent" key:"underloadedPercent"`
	RebalanceSpread    int               `yaml:"rebalanceSpreadTrigger" key:"rebalanceSpreadTrigger"`
	RebalanceInterval  time.Duration     `yaml:"rebalanceIntervalMs" key:"rebalanceIntervalMs"`
	RebalanceCooldown  time.Duration     `yaml:"rebalanceCooldownMs" key:"rebalanceCooldownMs"`
	MaxMovesPerRebalance int             `yaml:"maxMovesPerRebalance" key:"maxMovesPerRebalance"`
	RespectCapabilities bool             `yaml:"respectCapabilities" key:"respectCapabilities"`
	DefaultStrategy    RebalanceStrategy `yaml:"defaultStrategy" key:"defaultStrategy"`
}

// Default returns the out-of-the-box configuration, matching the
// defaults enumerated in spec §4.3-4.4.
func Default() Config {
	return Config{
		DefaultExpiration:      0, // no expiry unless caller sets a ttl
		MaxClaimsPerAgent:      5,
		ContestWindow:          5 * time.Minute,
		AutoReleaseOnInactivity: 0,
		StaleThreshold:         30 * time.Minute,
		BlockedThreshold:       60 * time.Minute,
		OverloadThreshold:      5,
		GracePeriod:            10 * time.Minute,
		MinProgressToProtect:   75,
		AllowCrossTypeSteal:    true,
		CrossTypeStealRules: []CrossTypeRule{
			{A: "coder", B: "debugger"},
			{A: "tester", B: "reviewer"},
		},
		OverloadedPercent:    90,
		UnderloadedPercent:   30,
		RebalanceSpread:      40,
		RebalanceInterval:    5 * time.Minute,
		RebalanceCooldown:    10 * time.Minute,
		MaxMovesPerRebalance: 3,
		RespectCapabilities:  true,
		DefaultStrategy:      StrategyLeastLoaded,
	}
}

// allowedKeys is the explicit allowlist claim_config(action=set)
// validates against. Unknown keys are rejected (spec §6).
var allowedKeys = map[string]bool{
	"defaultExpirationMs":      true,
	"maxClaimsPerAgent":        true,
	"contestWindowMs":          true,
	"autoReleaseOnInactivityMs": true,
	"staleThresholdMinutes":    true,
	"blockedThresholdMinutes":  true,
	"overloadThreshold":        true,
	"gracePeriodMinutes":       true,
	"minProgressToProtect":     true,
	"allowCrossTypeSteal":      true,
	"crossTypeStealRules":      true,
	"overloadedPercent":        true,
	"underloadedPercent":       true,
	"rebalanceSpreadTrigger":   true,
	"rebalanceIntervalMs":      true,
	"rebalanceCooldownMs":      true,
	"maxMovesPerRebalance":     true,
	"respectCapabilities":      true,
	"defaultStrategy":          true,
}

// IsKnownKey reports whether key is a recognized config option.
func IsKnownKey(key string) bool {
	return allowedKeys[key]
}

// ValidateStrategy checks that s is one of the enumerated rebalance
// strategies.
func ValidateStrategy(s RebalanceStrategy) error {
	if !validStrategies[s] {
		return fmt.Errorf("config: unknown rebalance strategy %q", s)
	}
	return nil
}
