package service

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/karin0/ip-roam/zone"
	"github.com/pelletier/go-toml/v2"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the daemon configuration, loaded from a TOML file.
type Config struct {
	// Interface is the name of the network interface whose IPv4 addresses
	// determine zone membership.
	Interface string `toml:"interface" validate:"required"`

	// ExternalController is the address of the proxy's external controller
	// API, e.g. "127.0.0.1:9090" or "http://127.0.0.1:9090".
	ExternalController string `toml:"external_controller" validate:"required"`

	// Secret is the bearer token for the external controller API.
	// Leave empty if the controller does not require authentication.
	Secret string `toml:"secret"`

	// Listen optionally enables the local status API on the given address.
	Listen string `toml:"listen" validate:"omitempty,hostname_port"`

	// PollInterval is the address polling interval used on platforms
	// without native address change notifications. Zero selects a default.
	PollInterval time.Duration `toml:"poll_interval" validate:"min=0"`

	// Sites are the proxy selectors to keep in sync, each with its own
	// zone rules.
	Sites []SiteConfig `toml:"sites" validate:"required,min=1,dive"`
}

// SiteConfig configures one proxy selector and its zone rules.
type SiteConfig struct {
	Selector string       `toml:"selector" validate:"required"`
	Rules    []RuleConfig `toml:"rules" validate:"required,min=1,dive"`
}

// RuleConfig is one zone rule in its textual form. The address range is
// half-open: an address is in the zone if ip_min <= addr < ip_max.
type RuleConfig struct {
	IPMin       string `toml:"ip_min" validate:"required"`
	IPMax       string `toml:"ip_max" validate:"required"`
	EnterTarget string `toml:"enter_target" validate:"required"`
	ExitTarget  string `toml:"exit_target" validate:"required"`
}

// LoadConfig reads, parses and validates the configuration at path.
func LoadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err = toml.Unmarshal(content, &cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("failed to parse config file at line %d, column %d: %w", row, col, err)
		}
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for errors the TOML decoder cannot
// catch, including the address ranges of every rule.
func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := cfg.zoneSites(); err != nil {
		return err
	}
	return nil
}

// zoneSites converts the textual rule configuration into matcher sites.
func (cfg *Config) zoneSites() ([]zone.Site, error) {
	sites := make([]zone.Site, len(cfg.Sites))
	for i, sc := range cfg.Sites {
		rules := make([]zone.Rule, len(sc.Rules))
		for j, rc := range sc.Rules {
			rule, err := parseRule(rc)
			if err != nil {
				return nil, fmt.Errorf("site %q rule %d: %w", sc.Selector, j, err)
			}
			rules[j] = rule
		}
		sites[i] = zone.Site{
			Selector: sc.Selector,
			Rules:    rules,
		}
	}
	return sites, nil
}

func parseRule(rc RuleConfig) (zone.Rule, error) {
	ipMin, err := netip.ParseAddr(rc.IPMin)
	if err != nil {
		return zone.Rule{}, fmt.Errorf("invalid ip_min: %w", err)
	}
	ipMax, err := netip.ParseAddr(rc.IPMax)
	if err != nil {
		return zone.Rule{}, fmt.Errorf("invalid ip_max: %w", err)
	}
	if !ipMin.Is4() || !ipMax.Is4() {
		return zone.Rule{}, errors.New("ip_min and ip_max must be IPv4 addresses")
	}
	if ipMin.Compare(ipMax) >= 0 {
		return zone.Rule{}, fmt.Errorf("empty address range: ip_min %s is not below ip_max %s", ipMin, ipMax)
	}
	return zone.Rule{
		IPMin:       ipMin,
		IPMax:       ipMax,
		EnterTarget: rc.EnterTarget,
		ExitTarget:  rc.ExitTarget,
	}, nil
}
