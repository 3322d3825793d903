package ircsearch

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"shelfseeker/internal/helpers"
	"shelfseeker/internal/models"

	"github.com/klauspost/compress/zip"
	log "github.com/sirupsen/logrus"
)

// manifestLine matches "<marker> <filename> ::INFO:: <size>". Only the
// ::INFO:: separator is mandatory; marker and size are free-form.
var manifestLine = regexp.MustCompile(`^(\S+)\s+(.+?)\s*::INFO::\s*(.*)$`)

var zipMagic = []byte("PK\x03\x04")

// ParseManifest turns a search-results manifest into IRC results. Lines
// that don't match the manifest format are skipped, so a malformed
// manifest yields a partial list; only a read error is returned.
func ParseManifest(r io.Reader) ([]models.SearchResult, error) {
	results := []models.SearchResult{}
	reader := bufio.NewReader(r)
	skipped := 0
	for {
		raw, err := reader.ReadString('\n')
		if raw != "" {
			if res, ok := parseLine(raw, len(results)+1); ok {
				results = append(results, res)
			} else if strings.TrimSpace(raw) != "" {
				skipped++
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return results, fmt.Errorf("reading manifest: %w", err)
		}
	}
	log.WithFields(log.Fields{"results": len(results), "skipped": skipped}).Debug("Parsed search manifest")
	return results, nil
}

func parseLine(raw string, position int) (models.SearchResult, bool) {
	line := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
	m := manifestLine.FindStringSubmatch(line)
	if m == nil {
		return models.SearchResult{}, false
	}
	marker, filename, sizeText := m[1], strings.TrimSpace(m[2]), m[3]
	bot := strings.TrimPrefix(marker, "!")
	if bot == "" || filename == "" {
		return models.SearchResult{}, false
	}

	// Some bots append further "::KEY:: value" fields after the size.
	if i := strings.Index(sizeText, "::"); i >= 0 {
		sizeText = sizeText[:i]
	}
	size, err := helpers.ParseSize(sizeText)
	if err != nil {
		size = 0
	}

	title, author, fileType := helpers.DescribeBookName(filename)
	return models.SearchResult{
		ID:             "irc-" + helpers.ShortHash(strings.ToLower(bot), filename),
		Title:          title,
		Author:         author,
		FileType:       fileType,
		SizeBytes:      size,
		SourceProvider: bot,
		Retrieval: models.IRCRetrieval{
			BotName:    bot,
			BookNumber: position,
			Filename:   filename,
			Command:    RequestCommand(bot, filename),
		},
	}, true
}

// RequestCommand is the channel message that asks bot for filename.
func RequestCommand(bot, filename string) string {
	return "!" + bot + " " + filename
}

// DecodeManifest unwraps a zipped manifest, returning the first text file
// inside. Plain manifests are returned unchanged.
func DecodeManifest(name string, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zipMagic) && !strings.HasSuffix(strings.ToLower(name), ".zip") {
		return data, nil
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening zipped manifest %s: %w", name, err)
	}
	var chosen *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if chosen == nil || (strings.HasSuffix(strings.ToLower(f.Name), ".txt") && !strings.HasSuffix(strings.ToLower(chosen.Name), ".txt")) {
			chosen = f
		}
	}
	if chosen == nil {
		return []byte{}, nil
	}
	rc, err := chosen.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s in %s: %w", chosen.Name, name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
