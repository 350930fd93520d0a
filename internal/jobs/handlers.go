package jobs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/termux-extensions/te-framework/internal/apierr"
	"github.com/termux-extensions/te-framework/internal/pathsafe"
)

// RegisterBuiltins wires the three built-in job types from §4.G
// (extract_archive, bulk_copy, bulk_move) into m,
// sandboxing every path parameter through sb before it reaches the
// filesystem or a subprocess.
func RegisterBuiltins(m *Manager, sb *pathsafe.Sandbox) {
	m.RegisterHandler("extract_archive", extractArchiveHandler(sb))
	m.RegisterHandler("bulk_copy", bulkHandler(sb, false))
	m.RegisterHandler("bulk_move", bulkHandler(sb, true))
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, _ := params[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// extractArchiveHandler invokes the 7-Zip CLI (`7zz`) in a sandboxed cwd,
// parsing `NN%` progress tokens from its stdout one character at a time
// (the 7zz progress indicator overwrites itself with `\b` rather than
// emitting newlines) and killing the child on cancellation — the same
// exec.CommandContext + explicit kill shape the bash tool uses.
func extractArchiveHandler(sb *pathsafe.Sandbox) HandlerFunc {
	return func(jc Context) (any, error) {
		params := jc.Params()
		archivePath, ok := stringParam(params, "archive_path")
		if !ok || archivePath == "" {
			return nil, apierr.New(apierr.InvalidArgument, "archive_path is required")
		}
		destination, ok := stringParam(params, "destination")
		if !ok || destination == "" {
			return nil, apierr.New(apierr.InvalidArgument, "destination is required")
		}
		items := stringSliceParam(params, "items")

		resolvedArchive, err := sb.Resolve(archivePath, "")
		if err != nil {
			return nil, err
		}
		resolvedDest, err := sb.Resolve(destination, "")
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(resolvedDest, 0o700); err != nil {
			return nil, apierr.Wrap(apierr.IO, err, "create destination")
		}

		args := []string{"x", resolvedArchive, "-o" + resolvedDest, "-y", "-bsp1"}
		args = append(args, items...)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		cmd := exec.CommandContext(ctx, "7zz", args...)
		cmd.Dir = resolvedDest
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, apierr.Wrap(apierr.IO, err, "pipe stdout")
		}
		cmd.Stderr = &bytes.Buffer{}

		if err := cmd.Start(); err != nil {
			return nil, apierr.Wrap(apierr.SpawnFailed, err, "start 7zz")
		}

		go func() {
			select {
			case <-jc.CancelToken():
				if cmd.Process != nil {
					cmd.Process.Kill()
				}
			case <-ctx.Done():
			}
		}()

		parsePercentStream(stdout, jc)

		err = cmd.Wait()
		if jc.CheckCancelled() {
			return nil, fmt.Errorf("extraction cancelled")
		}
		if err != nil {
			stderr, _ := cmd.Stderr.(*bytes.Buffer)
			return nil, apierr.Wrap(apierr.Internal, err, "7zz failed: %s", stderr.String())
		}

		jc.ReportProgress(100, 100, "percent")
		jc.SetMessage(fmt.Sprintf("extracted to %s", destination))
		return map[string]any{"destination": destination}, nil
	}
}

// parsePercentStream reads r byte-by-byte, accumulating digits that end in
// '%' into progress reports (§4.G: "parses NN% progress tokens ...
// per-character, not per-line").
func parsePercentStream(r io.Reader, jc Context) {
	br := bufio.NewReader(r)
	var digits []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}
		switch {
		case b >= '0' && b <= '9':
			digits = append(digits, b)
		case b == '%':
			if n, convErr := strconv.Atoi(string(digits)); convErr == nil {
				jc.ReportProgress(int64(n), 100, "percent")
			}
			digits = digits[:0]
		default:
			digits = digits[:0]
		}
	}
}

// bulkHandler implements bulk_copy (move=false) and bulk_move (move=true)
// per §4.G: compute the byte total up front, copy/move each entry,
// report byte progress, and emit a per-item summary. Copy cancels between
// items, never mid-file; move rolls forward without reverting completed
// items.
func bulkHandler(sb *pathsafe.Sandbox, move bool) HandlerFunc {
	return func(jc Context) (any, error) {
		params := jc.Params()
		sources := stringSliceParam(params, "sources")
		if len(sources) == 0 {
			return nil, apierr.New(apierr.InvalidArgument, "sources must be a non-empty list")
		}
		destination, ok := stringParam(params, "destination")
		if !ok || destination == "" {
			return nil, apierr.New(apierr.InvalidArgument, "destination is required")
		}

		resolvedDest, err := sb.Resolve(destination, "")
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(resolvedDest, 0o700); err != nil {
			return nil, apierr.Wrap(apierr.IO, err, "create destination")
		}

		type item struct {
			src  string
			dest string
		}
		var entries []item
		var totalBytes int64
		for _, s := range sources {
			resolved, err := sb.Resolve(s, "")
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(resolved)
			if err != nil {
				return nil, apierr.Wrap(apierr.IO, err, "stat %s", s)
			}
			totalBytes += info.Size()
			entries = append(entries, item{src: resolved, dest: filepath.Join(resolvedDest, filepath.Base(resolved))})
		}

		type itemResult struct {
			Source string `json:"source"`
			Error  string `json:"error,omitempty"`
		}
		results := make([]itemResult, 0, len(entries))
		var moved int64

		for _, e := range entries {
			if jc.CheckCancelled() {
				break // between items only, never mid-file
			}

			var opErr error
			if move {
				opErr = os.Rename(e.src, e.dest)
				if opErr != nil {
					opErr = copyThenRemove(e.src, e.dest)
				}
			} else {
				opErr = copyFile(e.src, e.dest)
			}

			res := itemResult{Source: e.src}
			if opErr != nil {
				res.Error = opErr.Error()
			} else {
				if info, statErr := os.Stat(e.dest); statErr == nil {
					moved += info.Size()
				}
			}
			results = append(results, res)
			jc.ReportProgress(moved, totalBytes, "bytes")
		}

		action := "copied"
		if move {
			action = "moved"
		}
		jc.SetMessage(fmt.Sprintf("%s %d of %d items to %s", action, len(results), len(entries), destination))
		return map[string]any{"items": results, "destination": destination}, nil
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func copyThenRemove(src, dest string) error {
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}
