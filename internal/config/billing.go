package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

// PlanConfig describes one subscription tier's credit entitlements.
type PlanConfig struct {
	Tier            string `mapstructure:"tier"`
	IncludedCredits int64  `mapstructure:"includedCredits"`
	Legacy          bool   `mapstructure:"legacy"`
}

// BillingConfig is the hot-reloadable billing policy: tier quotas,
// thresholds and the credit/dollar exchange rate.
type BillingConfig struct {
	Plans                   []PlanConfig `mapstructure:"plans"`
	FreeTierMonthlyQuota    int64        `mapstructure:"freeTierMonthlyQuota"`
	PremiumTierMonthlyQuota int64        `mapstructure:"premiumTierMonthlyQuota"`
	LowBalanceThreshold     int64        `mapstructure:"lowBalanceThreshold"`
	CentsPerCredit          int64        `mapstructure:"centsPerCredit"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Plans: []PlanConfig{
			{Tier: "free", IncludedCredits: 0},
			{Tier: "pro", IncludedCredits: 500},
			{Tier: "enterprise", IncludedCredits: 5000},
			{Tier: "legacy_hobby", IncludedCredits: 0, Legacy: true},
			{Tier: "legacy_pro", IncludedCredits: 0, Legacy: true},
		},
		FreeTierMonthlyQuota:    100,
		PremiumTierMonthlyQuota: 500,
		LowBalanceThreshold:     500,
		CentsPerCredit:          1,
	}
}

// Plan returns the plan config for a tier, falling back to the free plan.
func (c BillingConfig) Plan(tier string) PlanConfig {
	tier = strings.ToLower(strings.TrimSpace(tier))
	for _, plan := range c.Plans {
		if plan.Tier == tier {
			return plan
		}
	}
	return PlanConfig{Tier: tier}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

var BillingModule = fx.Module("config.billing",
	fx.Provide(NewBillingConfigHolder),
)

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterd/config") // Volume-mounted config
	v.AddConfigPath("/etc/meterd")            // System config
	v.AddConfigPath(".")                      // Current directory (dev mode)

	v.SetEnvPrefix("METERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		defaults := DefaultBillingConfig()
		v.SetDefault("billing.plans", defaults.Plans)
		v.SetDefault("billing.freeTierMonthlyQuota", defaults.FreeTierMonthlyQuota)
		v.SetDefault("billing.premiumTierMonthlyQuota", defaults.PremiumTierMonthlyQuota)
		v.SetDefault("billing.lowBalanceThreshold", defaults.LowBalanceThreshold)
		v.SetDefault("billing.centsPerCredit", defaults.CentsPerCredit)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config, for tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if len(cfg.Plans) == 0 {
		return errors.New("billing.plans cannot be empty")
	}
	if cfg.FreeTierMonthlyQuota < 0 || cfg.PremiumTierMonthlyQuota < 0 {
		return errors.New("billing tier quotas cannot be negative")
	}
	if cfg.CentsPerCredit <= 0 {
		return errors.New("billing.centsPerCredit must be positive")
	}
	return nil
}
