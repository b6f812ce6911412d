package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/steward/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Steward configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/steward/config.yaml
Project-specific overrides can be placed in .steward.yaml
The API key is read from STEWARD_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY.`,
	Args: cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// configKey reads and writes one persisted setting.
type configKey struct {
	get func(*config.Config) string
	set func(*config.Config, string) error
}

func durationKey(field func(*config.Config) *time.Duration) configKey {
	return configKey{
		get: func(c *config.Config) string { return field(c).String() },
		set: func(c *config.Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			*field(c) = d
			return nil
		},
	}
}

func intKey(field func(*config.Config) *int) configKey {
	return configKey{
		get: func(c *config.Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *config.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			*field(c) = n
			return nil
		},
	}
}

func floatKey(field func(*config.Config) *float64) configKey {
	return configKey{
		get: func(c *config.Config) string { return strconv.FormatFloat(*field(c), 'g', -1, 64) },
		set: func(c *config.Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid number: %w", err)
			}
			*field(c) = f
			return nil
		},
	}
}

func boolKey(field func(*config.Config) *bool) configKey {
	return configKey{
		get: func(c *config.Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *config.Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean: %w", err)
			}
			*field(c) = b
			return nil
		},
	}
}

func stringKey(field func(*config.Config) *string) configKey {
	return configKey{
		get: func(c *config.Config) string { return *field(c) },
		set: func(c *config.Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

// configKeys lists the settings config.Save persists.
var configKeys = map[string]configKey{
	"data_dir":              stringKey(func(c *config.Config) *string { return &c.DataDir }),
	"log.level":             stringKey(func(c *config.Config) *string { return &c.Log.Level }),
	"log.format":            stringKey(func(c *config.Config) *string { return &c.Log.Format }),
	"log.debug":             boolKey(func(c *config.Config) *bool { return &c.Log.Debug }),
	"anthropic.model":       stringKey(func(c *config.Config) *string { return &c.Anthropic.Model }),
	"anthropic.use_bedrock": boolKey(func(c *config.Config) *bool { return &c.Anthropic.UseBedrock }),
	"anthropic.aws_region":  stringKey(func(c *config.Config) *string { return &c.Anthropic.AWSRegion }),
	"loop.window":           intKey(func(c *config.Config) *int { return &c.Loop.Window }),
	"timeouts.tick":         durationKey(func(c *config.Config) *time.Duration { return &c.Timeouts.Tick }),
	"timeouts.default":      durationKey(func(c *config.Config) *time.Duration { return &c.Timeouts.Default }),
	"collaboration.similarity_threshold": floatKey(func(c *config.Config) *float64 {
		return &c.Collaboration.SimilarityThreshold
	}),
	"collaboration.min_cycles":  intKey(func(c *config.Config) *int { return &c.Collaboration.MinCycles }),
	"collaboration.window":      durationKey(func(c *config.Config) *time.Duration { return &c.Collaboration.Window }),
	"decision.history_size":     intKey(func(c *config.Config) *int { return &c.Decision.HistorySize }),
	"decision.confidence_floor": floatKey(func(c *config.Config) *float64 { return &c.Decision.ConfidenceFloor }),
	"decision.oracle_timeout":   durationKey(func(c *config.Config) *time.Duration { return &c.Decision.OracleTimeout }),
	"metrics.addr":              stringKey(func(c *config.Config) *string { return &c.Metrics.Addr }),
	"tracing.enabled":           boolKey(func(c *config.Config) *bool { return &c.Tracing.Enabled }),
	"tracing.endpoint":          stringKey(func(c *config.Config) *string { return &c.Tracing.Endpoint }),
	"tracing.sample_rate":       floatKey(func(c *config.Config) *float64 { return &c.Tracing.SampleRate }),
	"http.addr":                 stringKey(func(c *config.Config) *string { return &c.HTTP.Addr }),
	"http.enable_cors":          boolKey(func(c *config.Config) *bool { return &c.HTTP.EnableCORS }),
	"roles": {
		get: func(c *config.Config) string { return strings.Join(c.Roles, ",") },
		set: func(c *config.Config, v string) error {
			var roles []string
			for _, r := range strings.Split(v, ",") {
				if r = strings.TrimSpace(r); r != "" {
					roles = append(roles, r)
				}
			}
			c.Roles = roles
			return nil
		},
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	key, source, err := config.ResolveAPIKey(cfg)
	switch {
	case err != nil:
		fmt.Println("anthropic.api_key: (not set)")
	case source == config.KeySourceBedrock:
		fmt.Println("anthropic.api_key: (bedrock)")
	default:
		fmt.Printf("anthropic.api_key: %s (%s)\n", config.Mask(key), source)
	}

	names := make([]string, 0, len(configKeys))
	for name := range configKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s: %s\n", name, configKeys[name].get(cfg))
	}
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	k, ok := configKeys[strings.ToLower(key)]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown configuration key: %s\n", key)
		os.Exit(1)
	}
	fmt.Println(k.get(cfg))
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	k, ok := configKeys[strings.ToLower(key)]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown configuration key: %s\n", key)
		os.Exit(1)
	}
	if err := k.set(cfg, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", key, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}
