package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/claimledger/internal/model"
)

// Version is set at build time with -ldflags "-X ...cli.Version=..."
var Version = "0.1.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "claimledger",
	Short: "claimledger - staged insurance claim assessment with a ledger commit",
	Long: `claimledger runs insurance claims through a fixed chain of assessment
stages (document, damage, fraud, settlement) and records the final assessment
on a ledger exactly once, even under retries and concurrent duplicates.

The assessment is advisory. Claims with high risk or low confidence are
flagged for human review.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("claimledger v%s\n", Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.claimledger/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if err := configure(viper.GetViper(), cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return
	}
	if verbose && viper.ConfigFileUsed() != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// envAliases are the unprefixed variable names accepted for common secrets and endpoints
var envAliases = map[string][]string{
	"llm.api_key":             {"OPENAI_API_KEY"},
	"llm.base_url":            {"OLLAMA_BASE_URL"},
	"tools.tavily_api_key":    {"TAVILY_API_KEY"},
	"ledger.rpc_url":          {"WEB3_PROVIDER_URL"},
	"ledger.contract_address": {"CONTRACT_ADDRESS"},
	"ledger.private_key":      {"PRIVATE_KEY"},
	"guard.redis_password":    {"REDIS_PASSWORD"},
	"http.http_proxy":         {"HTTP_PROXY"},
	"http.https_proxy":        {"HTTPS_PROXY"},
	"telemetry.otlp_endpoint": {"OTEL_EXPORTER_OTLP_ENDPOINT"},
}

// configure registers defaults, environment bindings and the config file on v.
// A missing config file is not an error.
func configure(v *viper.Viper, file string) error {
	if err := registerDefaults(v, model.DefaultConfig()); err != nil {
		return err
	}

	// CLAIMLEDGER_LEDGER_RPC_URL overrides ledger.rpc_url
	v.SetEnvPrefix("CLAIMLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{"CLAIMLEDGER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("finding home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".claimledger"))
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// registerDefaults makes every config key known to v so environment
// variables can override keys that are absent from the config file
func registerDefaults(v *viper.Viper, cfg *model.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("unmarshal defaults: %w", err)
	}
	flatten("", tree, v.SetDefault)
	return nil
}

func flatten(prefix string, tree map[string]any, set func(key string, value any)) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			flatten(key, sub, set)
			continue
		}
		set(key, val)
	}
}

// loadConfig decodes the merged configuration
func loadConfig(v *viper.Viper) (*model.Config, error) {
	cfg := model.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if v.GetBool("verbose") {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}
