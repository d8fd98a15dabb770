package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// VendingConfig holds operational tunables for the token vending flows.
// It lives in vending.yml so operators can adjust rates and retry budgets
// without a redeploy.
type VendingConfig struct {
	// TariffRate is the kWh credited per currency unit when a pool entry
	// carries no unit metadata.
	TariffRate float64 `mapstructure:"tariffRate"`

	// PurchaseConfirmDelay simulates payment-provider confirmation latency
	// before the purchase worker attempts allocation.
	PurchaseConfirmDelay time.Duration `mapstructure:"purchaseConfirmDelay"`

	// VerifyAttempts and VerifyInterval bound the manual-recharge
	// verification poller.
	VerifyAttempts int           `mapstructure:"verifyAttempts"`
	VerifyInterval time.Duration `mapstructure:"verifyInterval"`

	ScanInterval  time.Duration `mapstructure:"scanInterval"`
	ScanBatchSize int           `mapstructure:"scanBatchSize"`
}

func DefaultVendingConfig() VendingConfig {
	return VendingConfig{
		TariffRate:           4.2,
		PurchaseConfirmDelay: 3 * time.Second,
		VerifyAttempts:       6,
		VerifyInterval:       2 * time.Second,
		ScanInterval:         time.Minute,
		ScanBatchSize:        50,
	}
}

func (c VendingConfig) Tariff() decimal.Decimal {
	return decimal.NewFromFloat(c.TariffRate)
}

type VendingConfigHolder struct {
	current atomic.Value // holds VendingConfig
}

func NewVendingConfigHolder() (*VendingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("vending")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/voltra/config")
	v.AddConfigPath("/etc/voltra")
	v.AddConfigPath(".")

	v.SetEnvPrefix("VOLTRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultVendingConfig()
	v.SetDefault("vending.tariffRate", defaults.TariffRate)
	v.SetDefault("vending.purchaseConfirmDelay", defaults.PurchaseConfirmDelay)
	v.SetDefault("vending.verifyAttempts", defaults.VerifyAttempts)
	v.SetDefault("vending.verifyInterval", defaults.VerifyInterval)
	v.SetDefault("vending.scanInterval", defaults.ScanInterval)
	v.SetDefault("vending.scanBatchSize", defaults.ScanBatchSize)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg VendingConfig
	if err := v.UnmarshalKey("vending", &cfg); err != nil {
		return nil, err
	}
	if err := validateVendingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &VendingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated VendingConfig
		if err := v.UnmarshalKey("vending", &updated); err != nil {
			log.Printf("[vending-config] reload failed: %v", err)
			return
		}
		if err := validateVendingConfig(updated); err != nil {
			log.Printf("[vending-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[vending-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticVendingConfigHolder wraps a fixed config, used by tests and the
// import tool where hot reload is pointless.
func NewStaticVendingConfigHolder(cfg VendingConfig) *VendingConfigHolder {
	holder := &VendingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *VendingConfigHolder) Get() VendingConfig {
	return h.current.Load().(VendingConfig)
}

func validateVendingConfig(cfg VendingConfig) error {
	if cfg.TariffRate <= 0 {
		return errors.New("vending.tariffRate must be positive")
	}
	if cfg.VerifyAttempts <= 0 {
		return errors.New("vending.verifyAttempts must be positive")
	}
	if cfg.VerifyInterval <= 0 {
		return errors.New("vending.verifyInterval must be positive")
	}
	if cfg.ScanInterval <= 0 {
		return errors.New("vending.scanInterval must be positive")
	}
	if cfg.ScanBatchSize <= 0 {
		return errors.New("vending.scanBatchSize must be positive")
	}
	return nil
}
