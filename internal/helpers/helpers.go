package helpers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

const (
	KiloByte = 1024
	MegaByte = KiloByte * 1024
	GigaByte = MegaByte * 1024
	TeraByte = GigaByte * 1024
)

// FileChecksum returns the upper-case hex BLAKE3 digest of a file.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// VerifyChecksum reports whether the file at path still matches a
// previously recorded BLAKE3 checksum.
func VerifyChecksum(path, expected string) bool {
	expected = strings.ToUpper(strings.TrimSpace(expected))
	if expected == "" {
		return false
	}
	got, err := FileChecksum(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Error hashing %s during verification", path)
		}
		return false
	}
	if got != expected {
		log.WithFields(log.Fields{"path": path, "expected": expected, "got": got}).Debug("Checksum mismatch")
		return false
	}
	return true
}

// ShortHash returns a stable 12 character identifier derived from parts.
func ShortHash(parts ...string) string {
	sum := blake3.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:6])
}

// CounterWriter tracks the number of bytes written to the underlying writer.
// OnWrite, when set, is called after every write with the byte count.
type CounterWriter struct {
	Total   uint64
	Writer  io.Writer
	OnWrite func(n int)
}

// Write implements the io.Writer interface for CounterWriter.
func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.Total += uint64(n)
	if cw.OnWrite != nil && n > 0 {
		cw.OnWrite(n)
	}
	return n, err
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1 // Handle very large sizes
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

var errEmptySize = errors.New("empty size string")

// ParseSize converts a free-form size such as "1.2MB", "800 K", "3 GiB"
// or "12345" into bytes. Units are binary.
func ParseSize(sizeStr string) (int64, error) {
	s := strings.TrimSpace(strings.ReplaceAll(sizeStr, ",", ""))
	if s == "" {
		return 0, errEmptySize
	}

	i := 0
	for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	number, unit := s[:i], strings.ToUpper(strings.TrimSpace(s[i:]))
	size, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to parse size %q: %w", sizeStr, err)
	}

	unit = strings.TrimSuffix(strings.TrimSuffix(unit, "IB"), "B")
	switch unit {
	case "":
		return int64(size), nil
	case "K":
		return int64(size * KiloByte), nil
	case "M":
		return int64(size * MegaByte), nil
	case "G":
		return int64(size * GigaByte), nil
	case "T":
		return int64(size * TeraByte), nil
	}
	return 0, fmt.Errorf("unable to parse size %q: unknown unit", sizeStr)
}

// SanitizeFilename strips any directory component and characters that are
// unsafe on common filesystems. Peers choose these names, so nothing they
// send may escape the target directory.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))

	var b strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(`/\:*?"<>|`, r) {
			continue
		}
		b.WriteRune(r)
	}
	name = strings.Trim(b.String(), " .")
	if name == "" {
		return "download"
	}
	return name
}

// bracketSuffix matches a trailing release tag such as "(retail)" or "[epub]".
var bracketSuffix = regexp.MustCompile(`\s*[\(\[][^\)\]]*[\)\]]\s*$`)

// DescribeBookName derives title, author and file type from the usual
// "Author - Title.ext" release naming. Trailing bracketed tags are dropped.
func DescribeBookName(name string) (title, author, fileType string) {
	base := strings.TrimSpace(name)
	if ext := filepath.Ext(base); len(ext) > 1 && len(ext) <= 6 && !strings.Contains(ext, " ") {
		fileType = strings.ToLower(ext[1:])
		base = strings.TrimSuffix(base, ext)
	}
	for {
		trimmed := bracketSuffix.ReplaceAllString(base, "")
		if trimmed == base || trimmed == "" {
			break
		}
		base = trimmed
	}
	if a, t, ok := strings.Cut(base, " - "); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t), strings.TrimSpace(a), fileType
	}
	return strings.TrimSpace(base), "", fileType
}

// ConvertToSlug converts a string into a filesystem-friendly slug. Result
// IDs embed the slug of the provider ID.
func ConvertToSlug(str string) string {
	str = strings.ReplaceAll(str, " ", "_")
	str = strings.ReplaceAll(str, ":", "-")
	str = strings.ToLower(str)

	allowedChars := "0123456789abcdefghijklmnopqrstuvwxyz._-"

	var filtered strings.Builder
	for _, ch := range str {
		if strings.ContainsRune(allowedChars, ch) {
			filtered.WriteRune(ch)
		}
	}
	str = filtered.String()

	// Collapse each run of separators to one; a run containing a dash
	// becomes a dash.
	var collapsed strings.Builder
	run := ""
	flush := func() {
		switch {
		case run == "":
		case strings.Contains(run, "-"):
			collapsed.WriteByte('-')
		default:
			collapsed.WriteByte('_')
		}
		run = ""
	}
	for _, ch := range str {
		if ch == '-' || ch == '_' {
			run += string(ch)
			continue
		}
		flush()
		collapsed.WriteRune(ch)
	}
	flush()

	return strings.Trim(collapsed.String(), "_-")
}

// AvailablePath returns dir/name, or dir/"name (n).ext" for the first n
// that does not exist yet.
func AvailablePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
		return candidate
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}
