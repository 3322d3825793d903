package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"shelfseeker/internal/database"
	"shelfseeker/internal/helpers"
	"shelfseeker/internal/models"
	"shelfseeker/internal/orchestrator"
	"shelfseeker/internal/router"
)

var downloadCmd = &cobra.Command{
	Use:   "download [RESULT_ID...]",
	Short: "Download search results by ID",
	Long: `Downloads one or more results located by a previous search. IRC results are
requested from the bot and received over DCC. NZB results are handed to the
active download client, or saved to SavePath when no client is active.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().IntP("concurrency", "c", 0, "Number of concurrent downloads (0 uses config)")
	downloadCmd.Flags().BoolP("yes", "y", false, "Skip confirmation prompt")

	viper.BindPFlag("download.concurrency", downloadCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("download.yes", downloadCmd.Flags().Lookup("yes"))
}

// downloadJob is one queued result and where its report goes.
type downloadJob struct {
	Index  int
	Result models.SearchResult
}

type downloadReport struct {
	Result  models.SearchResult
	Outcome router.Outcome
	Err     error
}

// loadResults resolves result IDs against the store. Unknown IDs are
// reported and skipped.
func loadResults(store *database.Store, ids []string) []models.SearchResult {
	var results []models.SearchResult
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		r, err := store.GetResult(id)
		if errors.Is(err, database.ErrNotFound) {
			log.Errorf("No stored result with ID %s; run a search first", id)
			continue
		}
		if err != nil {
			log.WithError(err).Errorf("Failed to load result %s", id)
			continue
		}
		results = append(results, r)
	}
	return results
}

func confirmDownload(results []models.SearchResult) bool {
	var total int64
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		total += r.SizeBytes
		rows = append(rows, []string{r.ID, string(r.Source()), r.Title, r.SourceProvider, helpers.BytesToSize(uint64(max(r.SizeBytes, 0)))})
	}
	fmt.Print(renderTable([]string{"ID", "Source", "Title", "Provider", "Size"}, rows))
	fmt.Printf("\nAbout to download %d result(s), %s total. Proceed? (y/N): ", len(results), helpers.BytesToSize(uint64(total)))

	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func runDownload(cmd *cobra.Command, args []string) {
	db, store, err := openStore()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	results := loadResults(store, args)
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("Error closing database")
	}
	if len(results) == 0 {
		log.Fatal("Nothing to download")
	}

	if !viper.GetBool("download.yes") && !globalConfig.SkipConfirmation && !confirmDownload(results) {
		log.Info("Download cancelled by user.")
		return
	}

	needIRC := false
	for _, r := range results {
		if r.Source() == models.SourceIRC {
			needIRC = true
			break
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, needIRC)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up downloads")
	}
	defer a.close()
	if needIRC {
		a.waitIRC(ctx, time.Duration(globalConfig.ApiClientTimeoutSec)*time.Second)
	}

	concurrencyLevel := viper.GetInt("download.concurrency")
	if concurrencyLevel <= 0 {
		concurrencyLevel = 1
	}
	log.Infof("Using concurrency level: %d", concurrencyLevel)

	reports := runDownloads(ctx, a.orch, results, concurrencyLevel)
	failed := printDownloadSummary(reports)
	if failed > 0 {
		a.close()
		os.Exit(1)
	}
}

// runDownloads feeds results to a pool of workers, one progress bar per
// result.
func runDownloads(ctx context.Context, orch *orchestrator.Orchestrator, results []models.SearchResult, concurrency int) []downloadReport {
	progress := mpb.NewWithContext(ctx, mpb.WithWidth(40), mpb.WithOutput(os.Stderr))
	reports := make([]downloadReport, len(results))
	jobs := make(chan downloadJob)

	var wg sync.WaitGroup
	for i := 1; i <= concurrency; i++ {
		wg.Add(1)
		go downloadWorker(ctx, i, jobs, orch, progress, reports, &wg)
	}
	for i, r := range results {
		jobs <- downloadJob{Index: i, Result: r}
	}
	close(jobs)
	wg.Wait()
	progress.Wait()
	return reports
}

func downloadWorker(ctx context.Context, id int, jobs <-chan downloadJob, orch *orchestrator.Orchestrator, progress *mpb.Progress, reports []downloadReport, wg *sync.WaitGroup) {
	defer wg.Done()
	log.Debugf("Worker %d starting", id)
	for job := range jobs {
		r := job.Result
		bar := progress.Add(max(r.SizeBytes, 0),
			mpb.BarStyle().Build(),
			mpb.PrependDecorators(decor.Name(truncate(r.Title, 30), decor.WCSyncSpaceR)),
			mpb.AppendDecorators(decor.CountersKibiByte("% .1f / % .1f")),
		)

		outcome, err := orch.DownloadWithProgress(ctx, r, func(written, total int64) {
			if total > 0 {
				bar.SetTotal(total, false)
			}
			bar.SetCurrent(written)
		})
		if err != nil {
			bar.Abort(false)
			log.WithError(err).WithField("result", r.ID).Errorf("Worker %d: download failed", id)
		} else {
			bar.SetTotal(-1, true)
		}
		reports[job.Index] = downloadReport{Result: r, Outcome: outcome, Err: err}
	}
	log.Debugf("Worker %d finished", id)
}

func printDownloadSummary(reports []downloadReport) int {
	failed := 0
	rows := make([][]string, 0, len(reports))
	for _, rep := range reports {
		status, location := "", ""
		switch {
		case rep.Err != nil:
			failed++
			status = errStyle.Render("failed")
			location = rep.Err.Error()
		case rep.Outcome.Submission != nil:
			status = okStyle.Render("submitted")
			location = fmt.Sprintf("%s job %s", rep.Outcome.Submission.Client, rep.Outcome.Submission.JobID)
		default:
			status = okStyle.Render("downloaded")
			location = rep.Outcome.Path
		}
		rows = append(rows, []string{rep.Result.ID, string(rep.Outcome.Route), status, location})
	}
	fmt.Print(renderTable([]string{"ID", "Route", "Status", "Location"}, rows))
	fmt.Printf("\n%d of %d download(s) succeeded.\n", len(reports)-failed, len(reports))
	return failed
}
