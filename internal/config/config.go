package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"shelfseeker/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Defaults applied to unset fields.
const (
	DefaultPort               = 6667
	DefaultTLSPort            = 6697
	DefaultPingTimeoutSec     = 300
	DefaultReconnectDelaySec  = 15
	DefaultSearchTimeoutSec   = 60
	DefaultTransferTimeoutSec = 120
	DefaultMessagesPerSecond  = 2
	DefaultSearchCommand      = "@search"
	DefaultProviderTimeoutSec = 15
	DefaultApiClientTimeout   = 60
	DefaultConcurrency        = 2
)

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml")
// and populates the provided models.Config struct with defaults applied.
// A missing file yields the defaults and an error wrapping os.ErrNotExist.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	meta, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		ApplyDefaults(&cfg)
		return cfg, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}
	for _, key := range meta.Undecoded() {
		log.Warnf("Unknown configuration key %q in %s", key.String(), configFilePath)
	}

	ApplyDefaults(&cfg)
	if cfg.SavePath == "" {
		log.Warn("Warning: SavePath is not set in config.toml")
	}
	if cfg.DatabasePath == "" {
		log.Warn("Warning: DatabasePath is not set in config.toml")
	}

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *models.Config) {
	irc := &cfg.IRC
	if irc.Port <= 0 {
		irc.Port = DefaultPort
		if irc.TLS {
			irc.Port = DefaultTLSPort
		}
	}
	if irc.Username == "" {
		irc.Username = irc.Nick
	}
	if irc.Realname == "" {
		irc.Realname = irc.Nick
	}
	if irc.SearchCommand == "" {
		irc.SearchCommand = DefaultSearchCommand
	}
	if irc.PingTimeoutSec <= 0 {
		irc.PingTimeoutSec = DefaultPingTimeoutSec
	}
	if irc.ReconnectDelaySec == 0 {
		irc.ReconnectDelaySec = DefaultReconnectDelaySec
	}
	if irc.SearchTimeoutSec <= 0 {
		irc.SearchTimeoutSec = DefaultSearchTimeoutSec
	}
	if irc.TransferTimeoutSec <= 0 {
		irc.TransferTimeoutSec = DefaultTransferTimeoutSec
	}
	if irc.MessagesPerSecond <= 0 {
		irc.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if irc.Channel != "" && !strings.HasPrefix(irc.Channel, "#") && !strings.HasPrefix(irc.Channel, "&") {
		irc.Channel = "#" + irc.Channel
	}

	if cfg.ProviderTimeoutSec <= 0 {
		cfg.ProviderTimeoutSec = DefaultProviderTimeoutSec
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = DefaultApiClientTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.DatabasePath == "" && cfg.SavePath != "" {
		cfg.DatabasePath = filepath.Join(cfg.SavePath, "shelfseeker.db")
	}
	if cfg.BleveIndexPath == "" && cfg.SavePath != "" {
		cfg.BleveIndexPath = filepath.Join(cfg.SavePath, "shelfseeker.bleve")
	}
}

// Validate reports configuration that cannot work. Every problem is
// returned, joined.
func Validate(cfg models.Config) error {
	var errs []error
	if cfg.IRC.Enabled {
		if cfg.IRC.Server == "" {
			errs = append(errs, errors.New("irc.Server is required when IRC is enabled"))
		}
		if cfg.IRC.Nick == "" {
			errs = append(errs, errors.New("irc.Nick is required when IRC is enabled"))
		}
		if cfg.IRC.Channel == "" {
			errs = append(errs, errors.New("irc.Channel is required when IRC is enabled"))
		}
	}

	seen := map[string]bool{}
	for i, p := range cfg.Providers {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("providers[%d]: ID is required", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate ID %q", i, p.ID))
		}
		seen[p.ID] = true
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("provider %q: URL is required", p.ID))
		}
		if p.ApiLimit < 0 {
			errs = append(errs, fmt.Errorf("provider %q: ApiLimit cannot be negative", p.ID))
		}
	}

	enabled := 0
	for i, d := range cfg.Downloaders {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("downloaders[%d]: ID is required", i))
		}
		if _, err := models.ParseDownloaderType(string(d.Type)); err != nil {
			errs = append(errs, fmt.Errorf("downloader %q: %w", d.ID, err))
		}
		if d.Enabled {
			enabled++
		}
	}
	if enabled > 1 {
		log.Warnf("%d downloaders are enabled in the config file; only the first will be active", enabled)
	}
	return errors.Join(errs...)
}
