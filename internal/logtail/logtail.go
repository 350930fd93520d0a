// Package logtail implements the append-only, size-bounded log capture used
// by every supervised child process, plus the bounded-queue fan-out used to
// stream PTY output to live subscribers without letting a slow reader block
// the producer or any other subscriber.
package logtail

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/termux-extensions/te-framework/internal/apierr"
)

// MaxFileSize is the target per-file rotation cap (§4.C). Spec treats this
// as a soft target, checked before each write rather than enforced mid-write.
const MaxFileSize = 512 * 1024

// keepFraction is the portion of the file retained on truncation-from-front.
const keepFraction = 0.75

// Writer appends bytes to a single log file and rotates it by rewriting the
// most recent keepFraction of the file when it exceeds MaxFileSize.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// Open creates (or appends to) the log file at path.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, apierr.Wrap(apierr.IO, err, "open log file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, apierr.Wrap(apierr.IO, err, "stat log file %s", path)
	}
	return &Writer{path: path, f: f, size: info.Size()}, nil
}

// Write appends p, rotating the file first if it would exceed the cap.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > MaxFileSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, apierr.Wrap(apierr.IO, err, "write log file %s", w.path)
	}
	return n, nil
}

// rotateLocked truncates from the front: keeps the most recent keepFraction
// of the current content by rewriting it to a temp file and renaming over
// the original. Caller holds w.mu.
func (w *Writer) rotateLocked() error {
	if err := w.f.Close(); err != nil {
		return apierr.Wrap(apierr.IO, err, "close log file %s for rotation", w.path)
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return apierr.Wrap(apierr.IO, err, "read log file %s for rotation", w.path)
	}

	keep := int(float64(len(data)) * keepFraction)
	if keep < 0 {
		keep = 0
	}
	cut := len(data) - keep
	// Align the cut to the next newline so rotated files stay line-clean.
	if idx := bytes.IndexByte(data[cut:], '\n'); idx >= 0 {
		cut += idx + 1
	}
	trimmed := data[cut:]

	tmp, err := os.CreateTemp(osDir(w.path), ".rotate-*")
	if err != nil {
		return apierr.Wrap(apierr.IO, err, "create rotation temp file for %s", w.path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(trimmed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apierr.Wrap(apierr.IO, err, "write rotation temp file for %s", w.path)
	}
	tmp.Close()
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return apierr.Wrap(apierr.IO, err, "chmod rotation temp file for %s", w.path)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return apierr.Wrap(apierr.IO, err, "rename rotated log into place %s", w.path)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return apierr.Wrap(apierr.IO, err, "reopen log file %s after rotation", w.path)
	}
	w.f = f
	w.size = int64(len(trimmed))
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

func osDir(path string) string {
	idx := bytes.LastIndexByte([]byte(path), '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// TailLines returns the last n newline-delimited records of the file at
// path without loading the whole file into memory for large logs: it seeks
// backward in fixed-size chunks until it has found n+1 newlines or hit the
// start of the file.
func TailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.IO, err, "open %s for tail", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, apierr.Wrap(apierr.IO, err, "stat %s for tail", path)
	}

	const chunkSize = 64 * 1024
	var (
		pos        = info.Size()
		buf        []byte
		newlines   int
		foundStart int64
	)
	chunk := make([]byte, chunkSize)
	for pos > 0 && newlines <= n {
		readSize := int64(chunkSize)
		if readSize > pos {
			readSize = pos
		}
		pos -= readSize
		if _, err := f.ReadAt(chunk[:readSize], pos); err != nil && err != io.EOF {
			return nil, apierr.Wrap(apierr.IO, err, "read %s for tail", path)
		}
		buf = append(chunk[:readSize:readSize], buf...)
		newlines = bytes.Count(buf, []byte{'\n'})
		foundStart = pos
	}
	_ = foundStart

	lines := strings_SplitLines(buf)
	// Trim a possible trailing empty element caused by a final newline.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func strings_SplitLines(buf []byte) []string {
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var out []string
	for scanner.Scan() {
		out = append(out, scanner.Text())
	}
	return out
}
