package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxLineBytes is the default cap on one wire message including the newline.
const MaxLineBytes = 16 * 1024

// ErrLineTooLong reports a message that overran the receive buffer. The
// connection cannot be resynchronized after an overrun and must be closed.
var ErrLineTooLong = errors.New("protocol: message exceeds line limit")

// Framer splits a byte stream into newline-delimited messages. Bytes after
// the last newline are retained until the next read completes the line.
type Framer struct {
	s       *bufio.Scanner
	maxLine int
}

// NewFramer wraps r with a line framer capped at maxLine bytes per message.
// maxLine <= 0 selects MaxLineBytes.
func NewFramer(r io.Reader, maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = MaxLineBytes
	}
	s := bufio.NewScanner(r)
	// Scanner's limit is the larger of max and cap(buf), so the initial
	// buffer must not exceed maxLine or the cap is not enforced.
	s.Buffer(make([]byte, 0, min(4096, maxLine)), maxLine)
	s.Split(bufio.ScanLines)
	return &Framer{s: s, maxLine: maxLine}
}

// Next returns the next complete message without its trailing newline.
// It returns io.EOF at end of stream and ErrLineTooLong on buffer overrun.
func (f *Framer) Next() ([]byte, error) {
	if !f.s.Scan() {
		err := f.s.Err()
		switch {
		case err == nil:
			return nil, io.EOF
		case errors.Is(err, bufio.ErrTooLong):
			return nil, ErrLineTooLong
		default:
			return nil, err
		}
	}
	return bytes.TrimRight(f.s.Bytes(), "\r"), nil
}
