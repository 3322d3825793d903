package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"shelfseeker/internal/api"
	"shelfseeker/internal/database"
	"shelfseeker/internal/models"
	"shelfseeker/internal/newznab"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage Newznab providers",
	Long: `List, add, remove, enable, disable and test the Newznab indexers stored in the
database. Providers from the config file are copied in on first use or with
"providers sync".`,
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with today's API usage",
	Run:   runProvidersList,
}

var providersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a provider",
	Run:   runProvidersAdd,
}

var providersRemoveCmd = &cobra.Command{
	Use:   "remove [PROVIDER_ID]",
	Short: "Remove a provider",
	Args:  cobra.ExactArgs(1),
	Run:   runProvidersRemove,
}

var providersEnableCmd = &cobra.Command{
	Use:   "enable [PROVIDER_ID]",
	Short: "Enable a provider for searches",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { setProviderEnabled(args[0], true) },
}

var providersDisableCmd = &cobra.Command{
	Use:   "disable [PROVIDER_ID]",
	Short: "Exclude a provider from searches",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { setProviderEnabled(args[0], false) },
}

var providersResetCmd = &cobra.Command{
	Use:   "reset [PROVIDER_ID]",
	Short: "Zero a provider's daily request counter",
	Args:  cobra.ExactArgs(1),
	Run:   runProvidersReset,
}

var providersTestCmd = &cobra.Command{
	Use:   "test [PROVIDER_ID]",
	Short: "Check a provider's URL and API key with a capabilities request",
	Args:  cobra.ExactArgs(1),
	Run:   runProvidersTest,
}

var providersSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy providers and downloaders from the config file into the database",
	Run:   runProvidersSync,
}

var providersImportCmd = &cobra.Command{
	Use:   "import [FILE]",
	Short: "Import providers and downloaders from a YAML file",
	Long: `Reads a YAML document with "providers" and "downloaders" lists and stores every
entry. Existing providers keep their request counters.`,
	Args: cobra.ExactArgs(1),
	Run:  runProvidersImport,
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersListCmd)
	providersCmd.AddCommand(providersAddCmd)
	providersCmd.AddCommand(providersRemoveCmd)
	providersCmd.AddCommand(providersEnableCmd)
	providersCmd.AddCommand(providersDisableCmd)
	providersCmd.AddCommand(providersResetCmd)
	providersCmd.AddCommand(providersTestCmd)
	providersCmd.AddCommand(providersSyncCmd)
	providersCmd.AddCommand(providersImportCmd)

	providersAddCmd.Flags().String("id", "", "Provider ID (required)")
	providersAddCmd.Flags().String("name", "", "Display name")
	providersAddCmd.Flags().String("url", "", "Indexer base URL (required)")
	providersAddCmd.Flags().String("api-key", "", "Indexer API key")
	providersAddCmd.Flags().StringSlice("categories", []string{}, "Newznab category IDs (comma-separated)")
	providersAddCmd.Flags().Int("priority", 0, "Higher priority results are listed first")
	providersAddCmd.Flags().Int("limit", 0, "Daily API request limit (0 for unlimited)")
	providersAddCmd.Flags().Bool("disabled", false, "Add the provider disabled")
	_ = providersAddCmd.MarkFlagRequired("id")
	_ = providersAddCmd.MarkFlagRequired("url")
}

// withStore opens the database for the duration of fn.
func withStore(fn func(store *database.Store)) {
	db, store, err := openStore()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("Error closing database: %v", err)
		}
	}()
	fn(store)
}

func runProvidersList(cmd *cobra.Command, args []string) {
	withStore(func(store *database.Store) {
		providers, err := store.Providers()
		if err != nil {
			log.WithError(err).Fatal("Failed to list providers")
		}
		if len(providers) == 0 {
			fmt.Println("No providers configured.")
			return
		}
		sort.SliceStable(providers, func(i, j int) bool { return providers[i].Priority > providers[j].Priority })

		today := time.Now().UTC().Format("2006-01-02")
		rows := make([][]string, 0, len(providers))
		for _, p := range providers {
			used := 0
			if p.LastResetDate == today {
				used = p.RequestsToday
			}
			limit := "unlimited"
			if p.ApiLimit > 0 {
				limit = strconv.Itoa(p.ApiLimit)
			}
			state := okStyle.Render("enabled")
			if !p.Enabled {
				state = warnStyle.Render("disabled")
			}
			rows = append(rows, []string{p.ID, p.Name, p.URL, strconv.Itoa(p.Priority), state, fmt.Sprintf("%d / %s", used, limit)})
		}
		fmt.Print(renderTable([]string{"ID", "Name", "URL", "Priority", "State", "Requests today"}, rows))
	})
}

func runProvidersAdd(cmd *cobra.Command, args []string) {
	p := models.NzbProvider{}
	p.ID, _ = cmd.Flags().GetString("id")
	p.Name, _ = cmd.Flags().GetString("name")
	p.URL, _ = cmd.Flags().GetString("url")
	p.ApiKey, _ = cmd.Flags().GetString("api-key")
	p.Categories, _ = cmd.Flags().GetStringSlice("categories")
	p.Priority, _ = cmd.Flags().GetInt("priority")
	p.ApiLimit, _ = cmd.Flags().GetInt("limit")
	disabled, _ := cmd.Flags().GetBool("disabled")
	p.Enabled = !disabled
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.ApiLimit < 0 {
		log.Fatal("--limit cannot be negative")
	}

	withStore(func(store *database.Store) {
		// SyncProviders keeps an existing provider's counters.
		if _, err := store.SyncProviders([]models.NzbProvider{p}); err != nil {
			log.WithError(err).Fatalf("Failed to save provider %s", p.ID)
		}
		log.Infof("Saved provider %s (%s)", p.ID, p.URL)
	})
}

func runProvidersRemove(cmd *cobra.Command, args []string) {
	withStore(func(store *database.Store) {
		if err := store.DeleteProvider(args[0]); err != nil {
			log.WithError(err).Fatalf("Failed to remove provider %s", args[0])
		}
		log.Infof("Removed provider %s", args[0])
	})
}

func setProviderEnabled(id string, enabled bool) {
	withStore(func(store *database.Store) {
		if err := store.SetProviderEnabled(id, enabled); err != nil {
			log.WithError(err).Fatalf("Failed to update provider %s", id)
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		log.Infof("Provider %s %s", id, state)
	})
}

func runProvidersReset(cmd *cobra.Command, args []string) {
	withStore(func(store *database.Store) {
		if err := store.ResetQuota(args[0], time.Now()); err != nil {
			log.WithError(err).Fatalf("Failed to reset provider %s", args[0])
		}
		log.Infof("Reset daily request counter for %s", args[0])
	})
}

func runProvidersTest(cmd *cobra.Command, args []string) {
	var provider models.NzbProvider
	withStore(func(store *database.Store) {
		var err error
		provider, err = store.Provider(args[0])
		if err != nil {
			log.WithError(err).Fatalf("Unknown provider %s", args[0])
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), apiClientTimeout())
	defer cancel()
	client := newznab.NewClient(provider, api.NewHTTPClient(globalHttpTransport, apiClientTimeout()))
	caps, err := client.Caps(ctx)
	switch {
	case errors.Is(err, newznab.ErrProviderUnauthorized):
		fmt.Println(errStyle.Render(fmt.Sprintf("%s: API key rejected", provider.ID)))
		os.Exit(1)
	case err != nil:
		fmt.Println(errStyle.Render(fmt.Sprintf("%s: %v", provider.ID, err)))
		os.Exit(1)
	}

	fmt.Println(okStyle.Render(fmt.Sprintf("%s: reachable", provider.ID)))
	fmt.Printf("  Server:      %s %s\n", caps.Server.Title, caps.Server.Version)
	fmt.Printf("  Limits:      max %d, default %d\n", caps.Limits.Max, caps.Limits.Default)
	fmt.Printf("  Search:      %t\n", caps.Searching.Search.Supported())
	fmt.Printf("  Book search: %t\n", caps.Searching.BookSearch.Supported())
}

func runProvidersSync(cmd *cobra.Command, args []string) {
	withStore(func(store *database.Store) {
		np, err := store.SyncProviders(globalConfig.Providers)
		if err != nil {
			log.WithError(err).Fatal("Failed to sync providers")
		}
		nd, err := store.SyncDownloaders(globalConfig.Downloaders)
		if err != nil {
			log.WithError(err).Fatal("Failed to sync downloaders")
		}
		log.Infof("Synced %d provider(s) and %d downloader(s) from %s", np, nd, cfgFile)
	})
}

// importFile is the YAML layout read by providers import.
type importFile struct {
	Providers   []models.NzbProvider `yaml:"providers"`
	Downloaders []models.Downloader  `yaml:"downloaders"`
}

func parseImportFile(data []byte) (importFile, error) {
	var f importFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parsing import file: %w", err)
	}
	var errs []error
	for i, p := range f.Providers {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.URL) == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: id and url are required", i))
		}
	}
	for i, d := range f.Downloaders {
		t, err := models.ParseDownloaderType(string(d.Type))
		if err != nil {
			errs = append(errs, fmt.Errorf("downloaders[%d]: %w", i, err))
			continue
		}
		f.Downloaders[i].Type = t
	}
	return f, errors.Join(errs...)
}

func runProvidersImport(cmd *cobra.Command, args []string) {
	data, err := os.ReadFile(args[0])
	if err != nil {
		log.WithError(err).Fatalf("Failed to read %s", args[0])
	}
	f, err := parseImportFile(data)
	if err != nil {
		log.WithError(err).Fatalf("Invalid import file %s", args[0])
	}
	withStore(func(store *database.Store) {
		np, err := store.SyncProviders(f.Providers)
		if err != nil {
			log.WithError(err).Fatal("Failed to import providers")
		}
		nd, err := store.SyncDownloaders(f.Downloaders)
		if err != nil {
			log.WithError(err).Fatal("Failed to import downloaders")
		}
		log.Infof("Imported %d provider(s) and %d downloader(s) from %s", np, nd, args[0])
	})
}
