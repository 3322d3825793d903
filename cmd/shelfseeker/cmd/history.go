package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"shelfseeker/index"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Search located results and past downloads",
	Long: `Queries the local search index. Every result a search located and every
download attempt is indexed, so earlier results can be found and downloaded
again without repeating the search.

Query syntax follows bleve query strings, for example:
  shelfseeker history -q 'dune'
  shelfseeker history -q '+author:herbert +fileType:epub'
  shelfseeker history -q '+type:history +status:Downloaded'`,
	Run: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringP("query", "q", "", "Index query (required)")
	historyCmd.Flags().Bool("downloads", false, "Only show download attempts")
	_ = historyCmd.MarkFlagRequired("query")
}

func runHistory(cmd *cobra.Command, args []string) {
	query, _ := cmd.Flags().GetString("query")
	downloadsOnly, _ := cmd.Flags().GetBool("downloads")
	query = strings.TrimSpace(query)
	if query == "" {
		log.Fatal("--query cannot be empty")
	}
	if downloadsOnly {
		query = "+type:" + index.TypeHistory + " " + query
	}

	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		log.WithError(err).Fatalf("Failed to open index at %s", globalConfig.BleveIndexPath)
	}
	defer idx.Close()

	results, err := index.SearchIndex(idx, query)
	if err != nil {
		log.WithError(err).Fatal("Index search failed")
	}
	if results.Total == 0 {
		fmt.Printf("Nothing in the index matches %q.\n", query)
		return
	}
	fmt.Print(renderTable([]string{"ID", "Kind", "Source", "Title", "Author", "Provider", "Status"}, hitRows(results)))
	fmt.Printf("\n%d match(es), showing %d.\n", results.Total, len(results.Hits))
}

func hitRows(results *bleve.SearchResult) [][]string {
	hits := results.Hits
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	rows := make([][]string, 0, len(hits))
	for _, hit := range hits {
		field := func(name string) string {
			if v, ok := hit.Fields[name].(string); ok {
				return v
			}
			return ""
		}
		rows = append(rows, []string{hit.ID, field("type"), field("source"), field("title"), field("author"), field("provider"), field("status")})
	}
	return rows
}
