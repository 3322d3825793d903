package irc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fluffle/goirc/client"
)

const (
	// MaxLineLength bounds a single buffered line. RFC 1459 allows 512
	// bytes, but search bots routinely exceed that with IRCv3 tags.
	MaxLineLength = 8192

	ctcpDelim = "\x01"
)

var (
	ErrLineTooLong  = errors.New("irc line exceeds maximum length")
	ErrInvalidParam = errors.New("irc parameter contains a forbidden character")
	ErrEmptyLine    = errors.New("empty irc line")
)

// LineReader turns a byte stream into complete IRC lines. A line split
// across several reads is buffered until its terminator arrives; a trailing
// partial line at EOF is dropped.
type LineReader struct {
	scanner *bufio.Scanner
}

func NewLineReader(r io.Reader) *LineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 1024), MaxLineLength)
	s.Split(scanLines)
	return &LineReader{scanner: s}
}

// ReadLine returns the next line without its terminator. It returns io.EOF
// once the stream is exhausted.
func (lr *LineReader) ReadLine() (string, error) {
	if lr.scanner.Scan() {
		return lr.scanner.Text(), nil
	}
	err := lr.scanner.Err()
	switch {
	case err == nil:
		return "", io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return "", ErrLineTooLong
	}
	return "", err
}

// scanLines splits on "\n", stripping an optional preceding "\r". Unlike
// bufio.ScanLines it never yields an unterminated final line.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if atEOF && len(data) > 0 {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// EncodeLine builds a wire-ready line, including the CRLF terminator. The
// final parameter is sent as a trailing parameter when it needs to be.
func EncodeLine(cmd string, params ...string) (string, error) {
	if cmd == "" || strings.ContainsAny(cmd, " \r\n\x00") {
		return "", fmt.Errorf("command %q: %w", cmd, ErrInvalidParam)
	}
	var b strings.Builder
	b.WriteString(cmd)
	for i, p := range params {
		if strings.ContainsAny(p, "\r\n\x00") {
			return "", fmt.Errorf("%s parameter %d: %w", cmd, i, ErrInvalidParam)
		}
		last := i == len(params)-1
		if !last && (p == "" || strings.HasPrefix(p, ":") || strings.Contains(p, " ")) {
			return "", fmt.Errorf("%s parameter %d must be a single word: %w", cmd, i, ErrInvalidParam)
		}
		b.WriteByte(' ')
		if last && (p == "" || strings.HasPrefix(p, ":") || strings.Contains(p, " ")) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	b.WriteString("\r\n")
	return b.String(), nil
}

// Decode parses one line (with or without terminator). CTCP payloads inside
// PRIVMSG/NOTICE come back as Cmd == client.CTCP / client.CTCPREPLY with
// Args = [ctcpCommand, target, body].
func Decode(raw string) (line *client.Line, err error) {
	raw = strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyLine
	}
	// ParseLine indexes Args without bounds checks for a bare prefix or a
	// PRIVMSG/NOTICE with no text, so a hostile peer could otherwise
	// crash the read loop.
	defer func() {
		if r := recover(); r != nil {
			line, err = nil, fmt.Errorf("malformed irc line %q", raw)
		}
	}()
	line = client.ParseLine(raw)
	if line == nil || line.Cmd == "" {
		return nil, fmt.Errorf("unparseable irc line %q", raw)
	}
	if (line.Cmd == client.PRIVMSG || line.Cmd == client.NOTICE) && len(line.Args) < 2 {
		return nil, fmt.Errorf("%s without target and text: %q", line.Cmd, raw)
	}
	return line, nil
}

// EncodeCTCP wraps a CTCP command and optional body in delimiters.
func EncodeCTCP(command, body string) string {
	if body == "" {
		return ctcpDelim + command + ctcpDelim
	}
	return ctcpDelim + command + " " + body + ctcpDelim
}

// DecodeCTCP unwraps a delimited CTCP payload from message text.
func DecodeCTCP(text string) (command, body string, ok bool) {
	if len(text) < 3 || !strings.HasPrefix(text, ctcpDelim) || !strings.HasSuffix(text, ctcpDelim) {
		return "", "", false
	}
	inner := text[1 : len(text)-1]
	command, body, _ = strings.Cut(inner, " ")
	if command == "" {
		return "", "", false
	}
	return strings.ToUpper(command), body, true
}

// Nick extracts the nickname from a line's source prefix.
func Nick(line *client.Line) string {
	if line == nil {
		return ""
	}
	if line.Nick != "" {
		return line.Nick
	}
	nick, _, _ := strings.Cut(line.Src, "!")
	return nick
}
