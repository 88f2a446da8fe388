package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/factorcanon/internal/model"
	"github.com/ppiankov/factorcanon/internal/store"
	"github.com/ppiankov/factorcanon/internal/store/sqlite"
)

// Version is overridden at build time with -ldflags
var Version = "v0.1.0"

var (
	cfgFile string
	verbose bool
	dbPath  string
	logger  = zap.NewNop()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "factorcanon",
	Short: "factorcanon - canonical groups for extracted factor labels",
	Long: `factorcanon normalizes the noisy factor labels extracted from research
papers into a small set of canonical groups.

Labels are categorized by a language model in repeated passes until every
label has a group or progress stops. Assignments are append-only: once a
label has a group it keeps it across runs. The resulting mapping is then
used to write one table per group plus a master table.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
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
		fmt.Println("factorcanon " + Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.factorcanon/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "mapping database (overrides store.path)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("db"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if err := setDefaults(model.DefaultConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading defaults: %v\n", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}
		viper.AddConfigPath(filepath.Join(home, ".factorcanon"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// FACTORCANON_ORACLE_MAX_BATCH_SIZE overrides oracle.max_batch_size
	viper.SetEnvPrefix("FACTORCANON")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// setDefaults registers every default key so that env overrides and
// Unmarshal see the full key set
func setDefaults(cfg *model.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&tree); err != nil {
		return err
	}
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(key, child)
				continue
			}
			viper.SetDefault(key, v)
		}
	}
	walk("", tree)
	// omitempty keys are missing from the marshaled tree
	for _, key := range []string{"llm.api_key", "llm.base_url", "output.metrics_file"} {
		viper.SetDefault(key, "")
	}
	return nil
}

// loadConfig merges defaults, config file, env vars and flags
func loadConfig() (*model.Config, error) {
	cfg := model.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Output.Verbose = verbose
	applyProviderEnv(&cfg.LLM)
	return cfg, nil
}

// applyProviderEnv fills credentials from the provider's usual env vars
func applyProviderEnv(c *model.LLMConfig) {
	switch strings.ToLower(c.Provider) {
	case "openai":
		if c.APIKey == "" {
			c.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if c.BaseURL == "" {
			c.BaseURL = os.Getenv("OPENAI_BASE_URL")
		}
	case "anthropic", "claude":
		if c.APIKey == "" {
			c.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	case "gemini", "google":
		if c.APIKey == "" {
			c.APIKey = os.Getenv("GEMINI_API_KEY")
		}
		if c.APIKey == "" {
			c.APIKey = os.Getenv("GOOGLE_API_KEY")
		}
	case "ollama":
		if c.BaseURL == "" {
			c.BaseURL = os.Getenv("OLLAMA_BASE_URL")
		}
	}
}

// openStore opens the mapping database named by the config
func openStore(ctx context.Context, cfg *model.Config) (store.Store, error) {
	st, err := sqlite.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open mapping store: %w", err)
	}
	return st, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
