package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"shelfseeker/index"
	"shelfseeker/internal/dcc"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().Bool("index", false, "Also delete the search index (it is rebuilt by later searches)")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftover partial downloads from the save directory",
	Long: `Recursively scans the configured SavePath and removes interrupted DCC
transfers (*.part) and direct downloads (*.tmp). Optionally deletes the search
index as well.`,
	Run: runClean,
}

// stale file suffixes left behind by interrupted transfers
var cleanSuffixes = []string{dcc.PartSuffix, ".tmp"}

// cleanDir removes stale files under root and reports counts per suffix.
func cleanDir(root string) (removed map[string]int, failed int, err error) {
	removed = map[string]int{}
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if info.IsDir() {
			// The bleve index keeps its own files.
			if path != root && strings.HasSuffix(info.Name(), ".bleve") {
				return filepath.SkipDir
			}
			return nil
		}

		lowerName := strings.ToLower(info.Name())
		for _, suffix := range cleanSuffixes {
			if !strings.HasSuffix(lowerName, suffix) {
				continue
			}
			if rmErr := os.Remove(path); rmErr != nil {
				if os.IsNotExist(rmErr) {
					log.Warnf("Attempted to remove %s file %q, but it was already gone.", suffix, path)
				} else {
					log.Errorf("Failed to remove %s file %q: %v", suffix, path, rmErr)
					failed++
				}
			} else {
				log.Infof("Removed %s file: %s", suffix, path)
				removed[suffix]++
			}
			break
		}
		return nil
	})
	return removed, failed, err
}

func runClean(cmd *cobra.Command, args []string) {
	savePath := globalConfig.SavePath
	cleanIndex, _ := cmd.Flags().GetBool("index")

	if savePath == "" {
		log.Error("SavePath is not configured. Cannot determine where to clean.")
		os.Exit(1)
	}
	info, err := os.Stat(savePath)
	if os.IsNotExist(err) {
		log.Errorf("SavePath directory does not exist: %s", savePath)
		os.Exit(1)
	}
	if err != nil {
		log.Errorf("Error accessing SavePath %q: %v", savePath, err)
		os.Exit(1)
	}
	if !info.IsDir() {
		log.Errorf("SavePath is not a directory: %s", savePath)
		os.Exit(1)
	}

	log.Infof("Scanning for %s files in %s...", strings.Join(cleanSuffixes, " and "), savePath)
	removed, failed, walkErr := cleanDir(savePath)
	if walkErr != nil {
		log.Errorf("Error during directory walk of %q: %v", savePath, walkErr)
	}

	var summaryParts []string
	for _, suffix := range cleanSuffixes {
		if removed[suffix] > 0 {
			summaryParts = append(summaryParts, fmt.Sprintf("%d %s file(s)", removed[suffix], suffix))
		}
	}
	summary := "Clean complete. Removed: "
	if len(summaryParts) > 0 {
		summary += strings.Join(summaryParts, ", ")
	} else {
		summary += "0 files"
	}
	if failed > 0 {
		summary += fmt.Sprintf(". Failed to remove %d file(s).", failed)
	}
	log.Info(summary)

	if cleanIndex {
		if err := index.DeleteIndex(globalConfig.BleveIndexPath); err != nil {
			log.WithError(err).Error("Failed to delete search index")
			failed++
		} else {
			log.Infof("Deleted search index %s", globalConfig.BleveIndexPath)
		}
	}

	if failed > 0 || walkErr != nil {
		os.Exit(1)
	}
}
