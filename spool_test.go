package petrel

import (
	"errors"
	"io"
	"os"
	"testing"
)

func TestSpoolWriteRead(t *testing.T) {
	spool, err := NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	defer spool.Release()

	content := "From: alice@example.com\r\n\r\nbody\r\n"
	if _, err := spool.File().WriteString(content); err != nil {
		t.Fatalf("write: %v", err)
	}
	spool.SetSize(int64(len(content)))

	r, err := spool.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != content {
		t.Errorf("read back %q, want %q", got, content)
	}
	if spool.Size() != int64(len(content)) {
		t.Errorf("size = %d, want %d", spool.Size(), len(content))
	}
}

func TestSpoolTruncate(t *testing.T) {
	spool, err := NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	defer spool.Release()

	body := "message body\r\n.\r\n"
	if _, err := spool.File().WriteString(body); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Drop the trailing dot terminator.
	want := int64(len(body) - 3)
	if err := spool.Truncate(want); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if spool.Size() != want {
		t.Errorf("size after truncate = %d, want %d", spool.Size(), want)
	}

	r, err := spool.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "message body\r\n" {
		t.Errorf("content after truncate = %q", got)
	}
}

func TestSpoolHeaders(t *testing.T) {
	spool, err := NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	defer spool.Release()

	msg := "From: alice@example.com\r\n" +
		"Subject: a folded\r\n" +
		"\theader value\r\n" +
		"To: bob@example.com\r\n" +
		"\r\n" +
		"Subject: this is body, not a header\r\n"
	if _, err := spool.File().WriteString(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	headers, err := spool.Headers()
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if len(headers) != 3 {
		t.Fatalf("got %d headers, want 3: %v", len(headers), headers)
	}
	if got := headers.Get("Subject"); got != "a folded header value" {
		t.Errorf("folded subject = %q", got)
	}
	if got := headers.Get("To"); got != "bob@example.com" {
		t.Errorf("To = %q", got)
	}
}

func TestSpoolHeadersNoBody(t *testing.T) {
	spool, err := NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	defer spool.Release()

	if _, err := spool.File().WriteString("From: alice@example.com\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	headers, err := spool.Headers()
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if got := headers.Get("From"); got != "alice@example.com" {
		t.Errorf("From = %q", got)
	}
}

func TestSpoolRelease(t *testing.T) {
	spool, err := NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	path := spool.Path()

	if err := spool.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !spool.Released() {
		t.Error("Released() = false after release")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("backing file still exists after release: %v", err)
	}

	// Idempotent.
	if err := spool.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	if _, err := spool.Reader(); !errors.Is(err, ErrSpoolReleased) {
		t.Errorf("Reader after release = %v, want ErrSpoolReleased", err)
	}
}
