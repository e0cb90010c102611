package command

import (
	"bufio"
	"io"
	"strings"
)

// Reader reads newline-delimited control messages, as written by bustap
// captures. Blank lines and lines starting with '#' are skipped.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r)}
}

// Next returns the next raw message and true, or "" and false at EOF.
func (r *Reader) Next() (string, bool) {
	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, true
	}
	return "", false
}

// ReadAll returns every remaining raw message.
func (r *Reader) ReadAll() []string {
	var lines []string
	for {
		line, ok := r.Next()
		if !ok {
			return lines
		}
		lines = append(lines, line)
	}
}

// ReadBytes is a convenience that reads all messages from data.
func ReadBytes(data []byte) []string {
	return NewReader(strings.NewReader(string(data))).ReadAll()
}
