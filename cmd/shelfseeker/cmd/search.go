package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shelfseeker/internal/helpers"
	"shelfseeker/internal/models"
	"shelfseeker/internal/orchestrator"
)

var searchCmd = &cobra.Command{
	Use:   "search [QUERY...]",
	Short: "Search IRC and every enabled Newznab indexer",
	Long: `Sends the query to the configured IRC channel and to every enabled Newznab
provider at once, then prints the merged results. IRC results come first,
followed by indexer results in provider priority order. Each result gets an ID
that the download command accepts.`,
	Run: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().Int("timeout", 0, "Seconds to wait for the IRC results manifest (0 uses config)")
	searchCmd.Flags().Bool("json", false, "Print results as JSON")
	searchCmd.Flags().Bool("no-irc", false, "Skip the IRC channel and query indexers only")
	searchCmd.Flags().Bool("show-config", false, "Print the effective configuration and search parameters, then exit")

	viper.BindPFlag("search.timeout", searchCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("search.json", searchCmd.Flags().Lookup("json"))
	viper.BindPFlag("search.no_irc", searchCmd.Flags().Lookup("no-irc"))
}

// searchParams is what a search run will use after flags are applied.
type searchParams struct {
	Query      string   `json:"query"`
	TimeoutSec int      `json:"timeoutSec"`
	JSON       bool     `json:"json"`
	Sources    []string `json:"sources"`
}

func currentSearchParams(args []string) searchParams {
	p := searchParams{
		Query:      strings.TrimSpace(strings.Join(args, " ")),
		TimeoutSec: viper.GetInt("search.timeout"),
		JSON:       viper.GetBool("search.json"),
	}
	if p.TimeoutSec <= 0 {
		p.TimeoutSec = globalConfig.IRC.SearchTimeoutSec
	}
	if globalConfig.IRC.Enabled && !viper.GetBool("search.no_irc") {
		p.Sources = append(p.Sources, string(models.SourceIRC))
	}
	// Newznab providers live in the database; the config file only seeds them.
	p.Sources = append(p.Sources, string(models.SourceNZB))
	return p
}

// redactedConfig returns a copy of cfg without credentials.
func redactedConfig(cfg models.Config) models.Config {
	cfg.IRC.Password = ""
	providers := make([]models.NzbProvider, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.ApiKey != "" {
			p.ApiKey = "REDACTED"
		}
		providers[i] = p
	}
	cfg.Providers = providers
	downloaders := make([]models.Downloader, len(cfg.Downloaders))
	for i, d := range cfg.Downloaders {
		if d.Password != "" {
			d.Password = "REDACTED"
		}
		if d.ApiKey != "" {
			d.ApiKey = "REDACTED"
		}
		downloaders[i] = d
	}
	cfg.Downloaders = downloaders
	return cfg
}

func printShowConfig(params searchParams) {
	fmt.Println("--- Global Config Settings ---")
	cfgJSON, err := json.MarshalIndent(redactedConfig(globalConfig), "", "  ")
	if err != nil {
		log.WithError(err).Error("Failed to marshal config")
	} else {
		fmt.Println(string(cfgJSON))
	}
	fmt.Println("--- Search Parameters ---")
	paramsJSON, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		log.WithError(err).Error("Failed to marshal search parameters")
		return
	}
	fmt.Println(string(paramsJSON))
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSearch(cmd *cobra.Command, args []string) {
	params := currentSearchParams(args)
	if show, _ := cmd.Flags().GetBool("show-config"); show {
		printShowConfig(params)
		return
	}
	if params.Query == "" {
		log.Fatal("A search query is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	globalConfig.IRC.SearchTimeoutSec = params.TimeoutSec
	withIRC := len(params.Sources) > 0 && params.Sources[0] == string(models.SourceIRC)
	a, err := newApp(ctx, withIRC)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up search")
	}
	defer a.close()
	a.waitIRC(ctx, time.Duration(globalConfig.ApiClientTimeoutSec)*time.Second)

	report, err := searchWithStatus(ctx, a.orch, params)
	if err != nil {
		log.WithError(err).Error("Search failed")
		a.close()
		os.Exit(1)
	}

	if params.JSON {
		out, err := json.MarshalIndent(report.Results, "", "  ")
		if err != nil {
			log.WithError(err).Fatal("Failed to marshal results")
		}
		fmt.Println(string(out))
		return
	}
	printReport(report)
}

// searchWithStatus runs the search while a live line shows elapsed time.
func searchWithStatus(ctx context.Context, orch *orchestrator.Orchestrator, params searchParams) (orchestrator.Report, error) {
	writer := uilive.New()
	writer.Out = os.Stderr
	writer.Start()
	defer writer.Stop()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			fmt.Fprintf(writer, "Searching %s for %q... %s\n", strings.Join(params.Sources, " + "), params.Query, time.Since(start).Truncate(time.Second))
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()

	report, err := orch.Search(ctx, params.Query)
	close(done)
	if err == nil {
		fmt.Fprintf(writer, "Found %d result(s) in %s\n", len(report.Results), report.Duration.Truncate(time.Millisecond))
	}
	return report, err
}

func printReport(report orchestrator.Report) {
	if report.IRCErr != nil {
		fmt.Println(errStyle.Render(fmt.Sprintf("IRC: %v", report.IRCErr)))
	}
	for _, o := range report.Providers {
		name := o.Provider.Name
		if name == "" {
			name = o.Provider.ID
		}
		switch {
		case o.Skipped:
			fmt.Println(warnStyle.Render(fmt.Sprintf("%s: daily API limit reached, skipped", name)))
		case o.Err != nil:
			fmt.Println(errStyle.Render(fmt.Sprintf("%s: %v", name, o.Err)))
		default:
			fmt.Println(okStyle.Render(fmt.Sprintf("%s: %d result(s) in %s", name, len(o.Results), o.Duration.Truncate(time.Millisecond))))
		}
	}

	if len(report.Results) == 0 {
		fmt.Printf("No results for %q.\n", report.Query)
		return
	}

	rows := make([][]string, 0, len(report.Results))
	for _, r := range report.Results {
		size := "?"
		if r.SizeBytes > 0 {
			size = helpers.BytesToSize(uint64(r.SizeBytes))
		}
		rows = append(rows, []string{r.ID, string(r.Source()), r.Title, r.Author, r.FileType, size, r.SourceProvider})
	}
	fmt.Print(renderTable([]string{"ID", "Source", "Title", "Author", "Type", "Size", "Provider"}, rows))
	fmt.Printf("\n%d result(s) for %q (%d from IRC). Download with: shelfseeker download <ID>\n", len(report.Results), report.Query, report.IRCCount)
}
