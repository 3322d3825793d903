package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"shelfseeker/internal/config"
	"shelfseeker/internal/database"
	"shelfseeker/internal/irc"
	"shelfseeker/internal/metrics"
	"shelfseeker/internal/models"
	"shelfseeker/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the IRC session open and serve search, download and metrics over HTTP",
	Long: `Runs until interrupted. The IRC session stays joined (reconnecting as needed)
and the following endpoints are served:

  GET  /search?q=QUERY   merged results as JSON
  POST /download?id=ID   download a located result
  GET  /status           IRC connection status
  GET  /metrics          Prometheus metrics

Sending SIGHUP re-reads the [irc] section of the config file and reconnects
when it changed.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("metrics-addr", "", "Listen address for the HTTP endpoints (default from config, else :9090)")
}

// searchResponse is the JSON view of an orchestrator.Report.
type searchResponse struct {
	Query     string                `json:"query"`
	Results   []models.SearchResult `json:"results"`
	IRCCount  int                   `json:"ircCount"`
	Failed    []string              `json:"failed,omitempty"`
	Skipped   []string              `json:"skipped,omitempty"`
	ElapsedMs int64                 `json:"elapsedMs"`
}

func newSearchResponse(r orchestrator.Report) searchResponse {
	resp := searchResponse{
		Query:     r.Query,
		Results:   r.Results,
		IRCCount:  r.IRCCount,
		Failed:    r.Failed(),
		ElapsedMs: r.Duration.Milliseconds(),
	}
	for _, o := range r.Providers {
		if o.Skipped {
			resp.Skipped = append(resp.Skipped, o.Provider.ID)
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// newServeMux builds the HTTP handlers over orch. session may be nil when
// IRC is disabled.
func newServeMux(orch *orchestrator.Orchestrator, session *irc.Session) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"irc": "disabled"}
		if session != nil {
			status["irc"] = string(session.Status())
			status["state"] = session.State().String()
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		report, err := orch.Search(r.Context(), r.URL.Query().Get("q"))
		switch {
		case errors.Is(err, orchestrator.ErrEmptyQuery):
			writeError(w, http.StatusBadRequest, err)
		case err != nil:
			writeError(w, http.StatusBadGateway, err)
		default:
			writeJSON(w, http.StatusOK, newSearchResponse(report))
		}
	})

	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, errors.New("id is required"))
			return
		}
		outcome, err := orch.DownloadByID(r.Context(), id, nil)
		switch {
		case errors.Is(err, database.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case err != nil:
			writeError(w, http.StatusBadGateway, err)
		default:
			writeJSON(w, http.StatusOK, outcome)
		}
	})
	return mux
}

// watchStatus logs every IRC connection status change until ctx ends.
func watchStatus(ctx context.Context, session *irc.Session) {
	updates, unsubscribe := session.Subscribe()
	defer unsubscribe()
	cfg := session.Config()
	logger := log.WithFields(log.Fields{"server": cfg.Addr(), "channel": cfg.Channel})
	for {
		select {
		case <-ctx.Done():
			return
		case status := <-updates:
			logger.WithField("state", session.State().String()).Infof("IRC %s", status)
		}
	}
}

// reloadIRC re-reads the [irc] section of the config file at path and hands
// it to session. It reports whether the session is reconnecting.
func reloadIRC(cmd *cobra.Command, session *irc.Session, path string) (bool, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return false, err
	}
	applyIRCFlags(cmd, &cfg.IRC)
	config.ApplyDefaults(&cfg)
	if !cfg.IRC.Enabled {
		return false, errors.New("irc cannot be disabled while serving")
	}
	if err := config.Validate(cfg); err != nil {
		return false, err
	}
	return session.Reconfigure(irc.ConfigFromModel(cfg.IRC)), nil
}

// reloadOnHangup calls reloadIRC for every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, cmd *cobra.Command, session *irc.Session) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := reloadIRC(cmd, session, cfgFile)
			switch {
			case err != nil:
				log.WithError(err).Warn("Config reload failed, keeping current IRC settings")
			case changed:
				log.Info("IRC settings reloaded")
			default:
				log.Info("IRC settings unchanged")
			}
		}
	}
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = globalConfig.MetricsAddr
	}
	if addr == "" {
		addr = ":9090"
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, true)
	if err != nil {
		log.WithError(err).Fatal("Failed to start")
	}
	defer a.close()
	if a.session != nil {
		go watchStatus(ctx, a.session)
		go reloadOnHangup(ctx, cmd, a.session)
	} else {
		log.Warn("IRC is disabled in the config; serving Newznab searches only")
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           newServeMux(a.orch, a.session),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown")
		}
	}()

	log.Infof("Serving on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("HTTP server failed")
	}
	log.Info("Shutting down")
}
