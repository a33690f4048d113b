package petrel

import (
	"bufio"
	"fmt"
	"io"
	"time"
)

// Data streams the message content after MAIL and RCPT. The content is
// dot-stuffed on the way out and terminated with the bare dot line. Returns
// the final server reply so the caller can pick up the queue identifier.
func (c *Client) Data(r io.Reader) (*ClientResponse, error) {
	if c.conn == nil {
		return nil, ErrNoConnection
	}

	resp, err := c.command("DATA")
	if err != nil {
		return nil, err
	}
	if !resp.IsIntermediate() {
		if rerr := resp.Err(); rerr != nil {
			return resp, rerr
		}
		return resp, fmt.Errorf("%w: expected 354, got %d", ErrUnexpectedResponse, resp.Code)
	}

	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return nil, err
		}
	}

	dw := &dotWriter{w: c.writer, atLineStart: true}
	if _, err := io.Copy(dw, r); err != nil {
		return nil, fmt.Errorf("smtp: stream message: %w", err)
	}
	if !dw.crlfEnded() {
		if _, err := c.writer.WriteString("\r\n"); err != nil {
			return nil, err
		}
	}
	if _, err := c.writer.WriteString(".\r\n"); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}

	resp, err = c.readResponse()
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}

// dotWriter performs SMTP transparency (RFC 5321 section 4.5.2): a period at
// the start of a line gets doubled. It tracks the last two bytes so the
// caller can tell whether the stream already ended with CRLF.
type dotWriter struct {
	w           *bufio.Writer
	atLineStart bool
	prev        [2]byte
}

func (d *dotWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if d.atLineStart && b == '.' {
			if err := d.w.WriteByte('.'); err != nil {
				return 0, err
			}
		}
		if err := d.w.WriteByte(b); err != nil {
			return 0, err
		}
		d.atLineStart = b == '\n'
		d.prev[0], d.prev[1] = d.prev[1], b
	}
	return len(p), nil
}

func (d *dotWriter) crlfEnded() bool {
	return d.prev[0] == '\r' && d.prev[1] == '\n'
}
