package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"shelfseeker/internal/api"
	"shelfseeker/internal/database"
	"shelfseeker/internal/downloadclient"
	"shelfseeker/internal/models"
)

var downloadersCmd = &cobra.Command{
	Use:   "downloaders",
	Short: "Manage NZBGet/SABnzbd download clients",
	Long: `At most one downloader is active. NZB results go to the active downloader;
with none active they are saved to SavePath instead.`,
}

var downloadersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured downloaders",
	Run:   runDownloadersList,
}

var downloadersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a downloader",
	Run:   runDownloadersAdd,
}

var downloadersActivateCmd = &cobra.Command{
	Use:   "activate [DOWNLOADER_ID]",
	Short: "Make a downloader the active one, disabling all others",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { setActiveDownloader(args[0]) },
}

var downloadersDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Disable every downloader so NZBs are saved directly",
	Run:   func(cmd *cobra.Command, args []string) { setActiveDownloader("") },
}

var downloadersRemoveCmd = &cobra.Command{
	Use:   "remove [DOWNLOADER_ID]",
	Short: "Remove a downloader",
	Args:  cobra.ExactArgs(1),
	Run:   runDownloadersRemove,
}

var downloadersTestCmd = &cobra.Command{
	Use:   "test [DOWNLOADER_ID]",
	Short: "Check a downloader's address and credentials (defaults to the active one)",
	Args:  cobra.MaximumNArgs(1),
	Run:   runDownloadersTest,
}

func init() {
	rootCmd.AddCommand(downloadersCmd)
	downloadersCmd.AddCommand(downloadersListCmd)
	downloadersCmd.AddCommand(downloadersAddCmd)
	downloadersCmd.AddCommand(downloadersActivateCmd)
	downloadersCmd.AddCommand(downloadersDeactivateCmd)
	downloadersCmd.AddCommand(downloadersRemoveCmd)
	downloadersCmd.AddCommand(downloadersTestCmd)

	downloadersAddCmd.Flags().String("id", "", "Downloader ID (required)")
	downloadersAddCmd.Flags().String("name", "", "Display name")
	downloadersAddCmd.Flags().String("type", "", "Client type: nzbget or sabnzbd (required)")
	downloadersAddCmd.Flags().String("host", "", "Base URL, e.g. http://localhost:6789 (required)")
	downloadersAddCmd.Flags().String("username", "", "Username (NZBGet)")
	downloadersAddCmd.Flags().String("password", "", "Password (NZBGet)")
	downloadersAddCmd.Flags().String("api-key", "", "API key (SABnzbd)")
	downloadersAddCmd.Flags().String("category", "", "Category to file submissions under")
	downloadersAddCmd.Flags().Bool("activate", false, "Make this the active downloader")
	_ = downloadersAddCmd.MarkFlagRequired("id")
	_ = downloadersAddCmd.MarkFlagRequired("type")
	_ = downloadersAddCmd.MarkFlagRequired("host")
}

func runDownloadersList(cmd *cobra.Command, args []string) {
	withStore(func(store *database.Store) {
		list, err := store.Downloaders()
		if err != nil {
			log.WithError(err).Fatal("Failed to list downloaders")
		}
		if len(list) == 0 {
			fmt.Println("No downloaders configured. NZB results are saved to SavePath.")
			return
		}
		rows := make([][]string, 0, len(list))
		for _, d := range list {
			state := ""
			if d.Enabled {
				state = okStyle.Render("active")
			}
			rows = append(rows, []string{d.ID, d.Name, string(d.Type), d.Host, d.Category, state})
		}
		fmt.Print(renderTable([]string{"ID", "Name", "Type", "Host", "Category", "State"}, rows))
	})
}

func runDownloadersAdd(cmd *cobra.Command, args []string) {
	d := models.Downloader{}
	d.ID, _ = cmd.Flags().GetString("id")
	d.Name, _ = cmd.Flags().GetString("name")
	d.Host, _ = cmd.Flags().GetString("host")
	d.Username, _ = cmd.Flags().GetString("username")
	d.Password, _ = cmd.Flags().GetString("password")
	d.ApiKey, _ = cmd.Flags().GetString("api-key")
	d.Category, _ = cmd.Flags().GetString("category")
	d.Enabled, _ = cmd.Flags().GetBool("activate")
	typeFlag, _ := cmd.Flags().GetString("type")

	var err error
	d.Type, err = models.ParseDownloaderType(typeFlag)
	if err != nil {
		log.WithError(err).Fatal("Invalid --type")
	}
	if d.Name == "" {
		d.Name = d.ID
	}

	withStore(func(store *database.Store) {
		if err := store.PutDownloader(d); err != nil {
			log.WithError(err).Fatalf("Failed to save downloader %s", d.ID)
		}
		log.Infof("Saved downloader %s (%s at %s)", d.ID, d.Type, d.Host)
	})
}

func setActiveDownloader(id string) {
	withStore(func(store *database.Store) {
		if err := store.SetActiveDownloader(id); err != nil {
			log.WithError(err).Fatalf("Failed to activate downloader %s", id)
		}
		if id == "" {
			log.Info("All downloaders disabled; NZB results will be saved to SavePath")
			return
		}
		log.Infof("Downloader %s is now active", id)
	})
}

func runDownloadersRemove(cmd *cobra.Command, args []string) {
	withStore(func(store *database.Store) {
		if err := store.DeleteDownloader(args[0]); err != nil {
			log.WithError(err).Fatalf("Failed to remove downloader %s", args[0])
		}
		log.Infof("Removed downloader %s", args[0])
	})
}

func findDownloader(store *database.Store, id string) (models.Downloader, error) {
	if id == "" {
		d, ok, err := store.ActiveDownloader()
		if err != nil {
			return d, err
		}
		if !ok {
			return d, errors.New("no downloader is active")
		}
		return d, nil
	}
	list, err := store.Downloaders()
	if err != nil {
		return models.Downloader{}, err
	}
	for _, d := range list {
		if d.ID == id {
			return d, nil
		}
	}
	return models.Downloader{}, fmt.Errorf("downloader %s: %w", id, database.ErrNotFound)
}

func runDownloadersTest(cmd *cobra.Command, args []string) {
	id := ""
	if len(args) == 1 {
		id = args[0]
	}
	var d models.Downloader
	withStore(func(store *database.Store) {
		var err error
		d, err = findDownloader(store, id)
		if err != nil {
			log.WithError(err).Fatal("Cannot test downloader")
		}
	})

	submitter, err := downloadclient.New(d, api.NewHTTPClient(globalHttpTransport, apiClientTimeout()))
	if err != nil {
		log.WithError(err).Fatalf("Cannot build client for %s", d.ID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), apiClientTimeout())
	defer cancel()
	version, err := submitter.TestConnection(ctx)
	switch {
	case errors.Is(err, downloadclient.ErrAuthFailed):
		fmt.Println(errStyle.Render(fmt.Sprintf("%s: credentials rejected", d.ID)))
		os.Exit(1)
	case err != nil:
		fmt.Println(errStyle.Render(fmt.Sprintf("%s: %v", d.ID, err)))
		os.Exit(1)
	}
	fmt.Println(okStyle.Render(fmt.Sprintf("%s: %s %s reachable", d.ID, d.Type, version)))
}
