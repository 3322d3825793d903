package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shelfseeker/internal/api"
	"shelfseeker/internal/config"
	"shelfseeker/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logApiFlag holds the value of the --log-api flag
var logApiFlag bool

// savePathFlag holds the value of the --save-path flag
var savePathFlag string

// apiTimeoutFlag holds the value of the --api-timeout flag
var apiTimeoutFlag int

// nickFlag and channelFlag override the [irc] section
var nickFlag string
var channelFlag string

// Logging flags, applied by initLogging
var logLevel string
var logFormat string

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "shelfseeker",
	Short: "Search IRC ebook channels and Newznab indexers from one place",
	Long: `shelfseeker sends one query to an IRC ebook channel and to every configured
Newznab indexer, merges what comes back, and downloads the chosen result over
DCC, directly, or through NZBGet/SABnzbd.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		api.CloseAllLoggingTransports()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&savePathFlag, "save-path", "", "Directory to save books (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API HTTP client in seconds (overrides config, -1 uses config default)")
	rootCmd.PersistentFlags().StringVar(&nickFlag, "nick", "", "IRC nickname (overrides config)")
	rootCmd.PersistentFlags().StringVar(&channelFlag, "channel", "", "IRC channel (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")

	cobra.OnInitialize(initLogging)
}

// initLogging configures logrus based on persistent flags
func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	log.Debugf("Logging configured: Level=%s, Format=%s", log.GetLevel(), logFormat)
}

// loadGlobalConfig attempts to load the configuration and applies flag overrides.
// It also sets up the global HTTP transport based on logging settings.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		// Commands check the fields they need; a missing file is not fatal here.
		if errors.Is(err, os.ErrNotExist) {
			log.Warnf("Config file %s not found, using defaults", cfgFile)
		} else {
			log.WithError(err).Warnf("Failed to load configuration from %s", cfgFile)
		}
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
		log.Debugf("Overriding LogApiRequests based on --log-api flag: %t", logApiFlag)
	}

	if cmd.Flags().Changed("save-path") {
		if savePathFlag != "" {
			// Paths derived from the old SavePath follow the override.
			if globalConfig.DatabasePath == filepath.Join(globalConfig.SavePath, "shelfseeker.db") {
				globalConfig.DatabasePath = ""
			}
			if globalConfig.BleveIndexPath == filepath.Join(globalConfig.SavePath, "shelfseeker.bleve") {
				globalConfig.BleveIndexPath = ""
			}
			globalConfig.SavePath = savePathFlag
			log.Debugf("Overriding SavePath based on --save-path flag: %s", savePathFlag)
		} else {
			log.Warn("--save-path flag provided but value is empty, ignoring.")
		}
	}

	if cmd.Flags().Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
			log.Debugf("Overriding ApiClientTimeoutSec based on --api-timeout flag: %d sec", apiTimeoutFlag)
		} else {
			log.Warnf("--api-timeout flag provided with invalid value %d, using config value: %d sec", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}

	applyIRCFlags(cmd, &globalConfig.IRC)
	config.ApplyDefaults(&globalConfig)

	// Flag defaults defer to the config file unless the flag is set.
	viper.SetDefault("download.concurrency", globalConfig.Concurrency)
	viper.SetDefault("search.timeout", globalConfig.IRC.SearchTimeoutSec)

	globalHttpTransport = api.NewTransport(globalConfig)
	log.Debugf("Global HTTP transport type: %T", globalHttpTransport)
	return nil
}

// applyIRCFlags lays --nick and --channel over cfg. Username and Realname
// are cleared so defaults follow the new nick.
func applyIRCFlags(cmd *cobra.Command, cfg *models.IRCConfig) {
	if cmd.Flags().Changed("nick") && nickFlag != "" {
		cfg.Nick = nickFlag
		cfg.Username = ""
		cfg.Realname = ""
	}
	if cmd.Flags().Changed("channel") && channelFlag != "" {
		cfg.Channel = channelFlag
	}
}
