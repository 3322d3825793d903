package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"shelfseeker/index"
	"shelfseeker/internal/database"
	"shelfseeker/internal/helpers"
	"shelfseeker/internal/models"
)

// dbCmd represents the base command for database operations
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the download history",
	Long:  `View, search, verify and prune the download attempts recorded in the database.`,
}

var dbViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View recorded download attempts",
	Run:   runDbView,
}

var dbSearchCmd = &cobra.Command{
	Use:   "search [TITLE_QUERY]",
	Short: "Search download history by title or author",
	Long: `Searches recorded downloads whose title or author contains the provided text
(case-insensitive).`,
	Args: cobra.ExactArgs(1),
	Run:  runDbSearch,
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify downloaded files against the recorded checksums",
	Long: `Checks that every file recorded as Downloaded still exists at its path and,
unless --check-hash=false, that its BLAKE3 checksum still matches.`,
	Run: runDbVerify,
}

var dbRemoveCmd = &cobra.Command{
	Use:   "remove [HISTORY_ID]",
	Short: "Remove a history entry (the downloaded file is kept)",
	Args:  cobra.ExactArgs(1),
	Run:   runDbRemove,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbViewCmd)
	dbCmd.AddCommand(dbSearchCmd)
	dbCmd.AddCommand(dbVerifyCmd)
	dbCmd.AddCommand(dbRemoveCmd)

	dbViewCmd.Flags().String("status", "", "Only show entries with this status (Pending, Downloaded, Submitted, Error)")
	dbVerifyCmd.Flags().Bool("check-hash", true, "Perform hash check for existing files")
}

func printHistory(entries []models.HistoryEntry, filter func(models.HistoryEntry) bool) int {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "When\tTitle\tAuthor\tSource\tProvider\tStatus\tLocation\tHistory ID")
	fmt.Fprintln(tw, "----\t-----\t------\t------\t--------\t------\t--------\t----------")

	count := 0
	for _, e := range entries {
		if filter != nil && !filter(e) {
			continue
		}
		location := e.Path
		switch {
		case e.Status == models.StatusSubmitted:
			location = fmt.Sprintf("%s job %s", e.Client, e.ClientJobID)
		case e.Status == models.StatusError:
			location = e.ErrorDetail
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.UpdatedAt.Local().Format("2006-01-02 15:04"),
			e.Title,
			e.Author,
			e.Source,
			e.Provider,
			e.Status,
			location,
			e.ID,
		)
		count++
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer for history")
	}
	return count
}

func runDbView(cmd *cobra.Command, args []string) {
	status, _ := cmd.Flags().GetString("status")
	withStore(func(store *database.Store) {
		entries, err := store.History()
		if err != nil {
			log.WithError(err).Fatal("Failed to read history")
		}
		var filter func(models.HistoryEntry) bool
		if status != "" {
			filter = func(e models.HistoryEntry) bool { return strings.EqualFold(e.Status, status) }
		}
		count := printHistory(entries, filter)
		log.Infof("Displayed %d entries.", count)
	})
}

func runDbSearch(cmd *cobra.Command, args []string) {
	searchTerm := strings.ToLower(args[0])
	log.Infof("Searching history for: '%s'", searchTerm)
	withStore(func(store *database.Store) {
		entries, err := store.History()
		if err != nil {
			log.WithError(err).Fatal("Failed to read history")
		}
		count := printHistory(entries, func(e models.HistoryEntry) bool {
			return strings.Contains(strings.ToLower(e.Title), searchTerm) ||
				strings.Contains(strings.ToLower(e.Author), searchTerm)
		})
		log.Infof("Found %d matching entries.", count)
	})
}

func runDbVerify(cmd *cobra.Command, args []string) {
	checkHash, _ := cmd.Flags().GetBool("check-hash")
	var total, ok, mismatched, missing int
	withStore(func(store *database.Store) {
		entries, err := store.History()
		if err != nil {
			log.WithError(err).Fatal("Failed to read history")
		}
		for _, e := range entries {
			if e.Status != models.StatusDownloaded || e.Path == "" {
				continue
			}
			total++
			logger := log.WithFields(log.Fields{"path": e.Path, "id": e.ID})
			if _, statErr := os.Stat(e.Path); statErr != nil {
				if errors.Is(statErr, os.ErrNotExist) {
					missing++
					logger.Error("[MISSING] File not found.")
				} else {
					logger.WithError(statErr).Error("[ERROR] Could not check file status")
				}
				continue
			}
			if !checkHash || e.Checksum == "" {
				ok++
				logger.Info("[FOUND] File exists (hash check skipped).")
				continue
			}
			if helpers.VerifyChecksum(e.Path, e.Checksum) {
				ok++
				logger.Info("[OK] File exists and hash matches.")
			} else {
				mismatched++
				logger.Warn("[MISMATCH] File exists but hash mismatch.")
			}
		}
	})

	log.Infof("Verified %d file(s): %d ok, %d mismatched, %d missing", total, ok, mismatched, missing)
	if mismatched > 0 || missing > 0 {
		os.Exit(1)
	}
}

func runDbRemove(cmd *cobra.Command, args []string) {
	withStore(func(store *database.Store) {
		if err := store.DeleteHistory(args[0]); err != nil {
			log.WithError(err).Fatalf("Failed to remove history entry %s", args[0])
		}
	})

	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		log.WithError(err).Warn("History entry removed but the index could not be opened")
		return
	}
	defer idx.Close()
	if err := idx.Delete(args[0]); err != nil {
		log.WithError(err).Warn("Failed to remove entry from index")
	}
	log.Infof("Removed history entry %s", args[0])
}
