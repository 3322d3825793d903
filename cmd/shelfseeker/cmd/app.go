package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"shelfseeker/index"
	"shelfseeker/internal/api"
	"shelfseeker/internal/database"
	"shelfseeker/internal/dcc"
	"shelfseeker/internal/downloader"
	"shelfseeker/internal/helpers"
	"shelfseeker/internal/irc"
	"shelfseeker/internal/ircsearch"
	"shelfseeker/internal/models"
	"shelfseeker/internal/newznab"
	"shelfseeker/internal/orchestrator"
	"shelfseeker/internal/router"
)

// app is everything a search or download needs, built from globalConfig.
type app struct {
	db         *database.DB
	store      *database.Store
	index      bleve.Index
	session    *irc.Session
	dispatcher *ircsearch.Dispatcher
	router     *router.Router
	orch       *orchestrator.Orchestrator

	stopIRC context.CancelFunc
	ircDone chan struct{}
}

// openStore opens the database named by globalConfig and seeds it from the
// config file on first use.
func openStore() (*database.DB, *database.Store, error) {
	if globalConfig.DatabasePath == "" {
		return nil, nil, errors.New("DatabasePath and SavePath are not set in config. Cannot determine database location")
	}
	log.Debugf("Opening database at: %s", globalConfig.DatabasePath)
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	store := database.NewStore(db)

	providers, err := store.Providers()
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	downloaders, err := store.Downloaders()
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if len(providers) == 0 && len(downloaders) == 0 {
		if err := seedStore(store); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	return db, store, nil
}

func seedStore(store *database.Store) error {
	np, err := store.SyncProviders(globalConfig.Providers)
	if err != nil {
		return fmt.Errorf("seeding providers: %w", err)
	}
	nd, err := store.SyncDownloaders(globalConfig.Downloaders)
	if err != nil {
		return fmt.Errorf("seeding downloaders: %w", err)
	}
	if np+nd > 0 {
		log.Infof("Seeded %d provider(s) and %d downloader(s) from %s", np, nd, cfgFile)
	}
	return nil
}

func apiClientTimeout() time.Duration {
	return time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second
}

// newApp wires the store, index, sources and router. The IRC session is
// only started when withIRC is set and IRC is enabled in the config; it
// runs in the background until close.
func newApp(ctx context.Context, withIRC bool) (*app, error) {
	cfg := globalConfig
	if cfg.SavePath == "" {
		return nil, errors.New("SavePath is not configured")
	}
	if !helpers.CheckAndMakeDir(cfg.SavePath) {
		return nil, fmt.Errorf("cannot create SavePath %s", cfg.SavePath)
	}

	db, store, err := openStore()
	if err != nil {
		return nil, err
	}
	a := &app{db: db, store: store}

	a.index, err = index.OpenOrCreateIndex(cfg.BleveIndexPath)
	if err != nil {
		a.close()
		return nil, err
	}

	apiClient := api.NewHTTPClient(globalHttpTransport, apiClientTimeout())
	// File downloads are bounded by their context, not a client timeout.
	fileClient := api.NewHTTPClient(globalHttpTransport, 0)

	aggregator := newznab.NewAggregator(store, store,
		newznab.WithHTTPClient(apiClient),
		newznab.WithProviderTimeout(time.Duration(cfg.ProviderTimeoutSec)*time.Second),
	)

	routerOpts := []router.Option{
		router.WithHistory(store),
		router.WithHTTPClient(apiClient),
		router.OnRecord(func(h models.HistoryEntry) {
			if err := index.IndexItem(a.index, index.HistoryItem(h)); err != nil {
				log.WithError(err).Warnf("Failed to index history entry %s", h.ID)
			}
		}),
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithNewznab(aggregator),
		orchestrator.WithStore(store),
		orchestrator.WithIndex(a.index),
		orchestrator.WithSearchTimeout(time.Duration(cfg.IRC.SearchTimeoutSec) * time.Second),
	}

	if withIRC && cfg.IRC.Enabled {
		a.startIRC(ctx)
		routerOpts = append(routerOpts, router.WithIRC(a.dispatcher))
		orchOpts = append(orchOpts, orchestrator.WithIRC(a.dispatcher))
	}

	a.router = router.New(cfg.SavePath, downloader.NewDownloader(fileClient), store, routerOpts...)
	a.orch = orchestrator.New(append(orchOpts, orchestrator.WithRouter(a.router))...)
	return a, nil
}

func newEngine(cfg models.IRCConfig) *dcc.Engine {
	var opts []dcc.EngineOption
	if cfg.ListenAddr != "" {
		opts = append(opts, dcc.WithListenAddr(cfg.ListenAddr))
	}
	if cfg.AdvertiseIP != "" {
		if ip := net.ParseIP(cfg.AdvertiseIP); ip != nil {
			opts = append(opts, dcc.WithAdvertiseIP(ip))
		} else {
			log.Warnf("Ignoring invalid AdvertiseIP %q", cfg.AdvertiseIP)
		}
	}
	return dcc.NewEngine(opts...)
}

func (a *app) startIRC(ctx context.Context) {
	cfg := globalConfig.IRC
	a.session = irc.NewSession(irc.ConfigFromModel(cfg))
	a.dispatcher = ircsearch.NewDispatcher(a.session, newEngine(cfg),
		ircsearch.WithTransferTimeout(time.Duration(cfg.TransferTimeoutSec)*time.Second))

	runCtx, cancel := context.WithCancel(ctx)
	a.stopIRC = cancel
	a.ircDone = make(chan struct{})
	go func() {
		defer close(a.ircDone)
		if err := a.session.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("IRC session stopped")
		}
	}()
}

// waitIRC blocks until the session has joined its channel or timeout
// passes. A session that never joins leaves IRC searches failing; the
// Newznab side still runs.
func (a *app) waitIRC(ctx context.Context, timeout time.Duration) {
	if a.session == nil {
		return
	}
	cfg := a.session.Config()
	logger := log.WithFields(log.Fields{"server": cfg.Addr(), "channel": cfg.Channel})
	logger.Info("Connecting to IRC...")

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := a.session.WaitReady(waitCtx); err != nil {
		logger.WithError(err).Warn("IRC session not ready, continuing without it")
		return
	}
	logger.Info("Joined IRC channel")
}

func (a *app) close() {
	if a.stopIRC != nil {
		a.stopIRC()
		<-a.ircDone
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			log.WithError(err).Warn("Error closing search index")
		}
	}
	if a.db != nil {
		log.Debug("Closing database.")
		if err := a.db.Close(); err != nil {
			log.Errorf("Error closing database: %v", err)
		}
	}
}
