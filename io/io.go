// Package io implements the wire framing primitives shared by the server and
// client: strict CRLF line reading, the dot-terminated DATA body reader, and
// exact-length chunk copying for BDAT.
package io

import (
	"bufio"
	"errors"
	"io"
)

var (
	ErrLineTooLong    = errors.New("smtp: line too long")
	ErrBadLineEnding  = errors.New("smtp: line not terminated by CRLF")
	Err8BitIn7BitMode = errors.New("smtp: 8-bit data in 7BIT mode")
	ErrBodyTooLarge   = errors.New("smtp: message body too large")
	ErrShortChunk     = errors.New("smtp: connection closed inside BDAT chunk")
)

// ReadLine reads a single SMTP line with strict CRLF, length enforcement,
// and optional 7-bit ASCII validation.
func ReadLine(reader *bufio.Reader, max int, enforce bool) (string, error) {
	// Fast path: the whole line fits in the bufio buffer (zero-copy view).
	line, err := reader.ReadSlice('\n')
	if err == nil {
		if enforce && !isASCII(line) {
			return "", Err8BitIn7BitMode
		}
		return validateAndConvert(line, max)
	}

	if err != bufio.ErrBufferFull {
		return "", err
	}

	// Slow path: the line is larger than the bufio buffer, accumulate chunks.
	// The first chunk must be copied before the next ReadSlice overwrites it.
	var buf []byte

	if enforce && !isASCII(line) {
		return "", Err8BitIn7BitMode
	}
	buf = append(buf, line...)

	for {
		line, err = reader.ReadSlice('\n')

		if len(buf)+len(line) > max {
			// Drain the rest of the line so the next read starts fresh.
			drainLine(reader)
			return "", ErrLineTooLong
		}

		if enforce && !isASCII(line) {
			return "", Err8BitIn7BitMode
		}

		buf = append(buf, line...)

		if err == nil {
			break
		}

		if err != bufio.ErrBufferFull {
			return "", err
		}
	}

	return validateAndConvert(buf, max)
}

// validateAndConvert checks length, CRLF, and converts to string.
func validateAndConvert(b []byte, max int) (string, error) {
	if len(b) > max {
		// The whole line has already been read from the wire, no draining.
		return "", ErrLineTooLong
	}

	// b ends in '\n' because ReadSlice returned nil. Strict SMTP requires
	// the '\r' before it.
	if len(b) < 2 || b[len(b)-2] != '\r' {
		return "", ErrBadLineEnding
	}

	return string(b[:len(b)-2]), nil
}

// isASCII checks whether any octet is not US-ASCII.
func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}

// drainLine discards the rest of the current line to recover protocol
// synchronization.
func drainLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err == nil {
			return
		}
		if err != bufio.ErrBufferFull {
			return
		}
	}
}

// dotState is a state of the DATA terminator automaton. The automaton scans
// the raw byte stream for the CRLF "." CRLF end-of-data marker.
type dotState int

const (
	dotData  dotState = iota // ordinary body byte
	dotCR                    // seen \r
	dotCRLF                  // seen \r\n; also the seed state
	dotDot                   // seen \r\n.
	dotDotCR                 // seen \r\n.\r
	dotDone                  // seen \r\n.\r\n
)

// ReadDotBody streams a DATA body from reader into w until the terminator is
// recognized. Every consumed byte is written through, including the
// terminator; the returned term is the number of terminator bytes consumed
// from the wire, which the caller truncates off the backing file afterwards.
//
// The automaton is seeded in the after-CRLF state so a body consisting of the
// bare ".\r\n" line terminates immediately with an empty message; in that
// case term is 3 rather than 5.
//
// When the body exceeds max, writing stops but the stream is still drained
// through the terminator so the connection stays usable, and ErrBodyTooLarge
// is returned with the connection in sync.
func ReadDotBody(reader *bufio.Reader, w io.Writer, max int64) (written int64, term int64, err error) {
	state := dotCRLF
	var matched int64
	tooLarge := false

	for state != dotDone {
		c, rerr := reader.ReadByte()
		if rerr != nil {
			return written, 0, rerr
		}

		switch state {
		case dotData:
			if c == '\r' {
				state, matched = dotCR, 1
			}
		case dotCR:
			switch c {
			case '\n':
				state, matched = dotCRLF, 2
			case '\r':
				state, matched = dotCR, 1
			default:
				state, matched = dotData, 0
			}
		case dotCRLF:
			switch c {
			case '.':
				state, matched = dotDot, matched+1
			case '\r':
				state, matched = dotCR, 1
			default:
				state, matched = dotData, 0
			}
		case dotDot:
			switch c {
			case '\r':
				state, matched = dotDotCR, matched+1
			default:
				state, matched = dotData, 0
			}
		case dotDotCR:
			switch c {
			case '\n':
				state, matched = dotDone, matched+1
			case '\r':
				state, matched = dotCR, 1
			default:
				state, matched = dotData, 0
			}
		}

		if tooLarge {
			continue
		}

		if written+1 > max+matched {
			// Past the limit even if the pending bytes turn out to be
			// the terminator. Keep draining without writing.
			tooLarge = true
			continue
		}

		if werr := writeByte(w, c); werr != nil {
			return written, 0, werr
		}
		written++
	}

	if tooLarge {
		return written, 0, ErrBodyTooLarge
	}
	return written, matched, nil
}

func writeByte(w io.Writer, c byte) error {
	if bw, ok := w.(io.ByteWriter); ok {
		return bw.WriteByte(c)
	}
	_, err := w.Write([]byte{c})
	return err
}

// ReadChunk copies exactly n bytes from reader into w. It is the transfer
// primitive for BDAT chunks, where the size is declared up front.
func ReadChunk(reader *bufio.Reader, w io.Writer, n int64) error {
	copied, err := io.CopyN(w, reader, n)
	if err == io.EOF && copied < n {
		return ErrShortChunk
	}
	return err
}

// DiscardChunk consumes and drops exactly n bytes, keeping the connection in
// sync after a chunk that cannot be accepted.
func DiscardChunk(reader *bufio.Reader, n int64) error {
	copied, err := io.CopyN(io.Discard, reader, n)
	if err == io.EOF && copied < n {
		return ErrShortChunk
	}
	return err
}
