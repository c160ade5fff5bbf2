// Package remotefs layers file operations over the command executor.
// There is no separate transfer protocol: every operation is a wrapped
// invocation of POSIX shell utilities.
package remotefs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"shellbridge/internal/errors"
	"shellbridge/shell"
	"shellbridge/util"
)

// FileContent is the result of a Read.
type FileContent struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"` // "utf-8" or "base64"
	Size     int64  `json:"size"`
}

// Ops exposes the remote file operations.
type Ops struct {
	exec   *shell.Executor
	logger *util.Logger
}

// New returns file operations backed by the executor.
func New(exec *shell.Executor, logger *util.Logger) *Ops {
	return &Ops{exec: exec, logger: logger}
}

// Read fetches a file.  The MIME encoding is probed first; binary
// content is base64-encoded and flagged as such so the caller can
// decode it client-side.
func (o *Ops) Read(ctx context.Context, sessionID, path string) (*FileContent, error) {
	q := shell.Quote(path)

	enc, err := o.run(ctx, sessionID, "file -b --mime-encoding "+q)
	if err != nil {
		return nil, err
	}
	binary := strings.Contains(strings.TrimSpace(enc), "binary")

	size, err := o.statSize(ctx, sessionID, q)
	if err != nil {
		return nil, err
	}

	fc := &FileContent{Path: path, Size: size, Encoding: "utf-8"}
	if binary {
		out, err := o.run(ctx, sessionID, "base64 "+q)
		if err != nil {
			return nil, err
		}
		fc.Content = strings.ReplaceAll(out, "\n", "")
		fc.Encoding = "base64"
	} else {
		out, err := o.run(ctx, sessionID, "cat "+q)
		if err != nil {
			return nil, err
		}
		fc.Content = out
	}
	return fc, nil
}

// Write stores content via a here-document with a unique delimiter and
// re-stats the file to report the bytes written.
func (o *Ops) Write(ctx context.Context, sessionID, path, content string) (int64, error) {
	q := shell.Quote(path)
	if dir := parentDir(path); dir != "" {
		if _, err := o.run(ctx, sessionID, "mkdir -p "+shell.Quote(dir)); err != nil {
			return 0, err
		}
	}

	delim := "SHELLBRIDGE_EOF_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	cmd := fmt.Sprintf("cat > %s << '%s'\n%s\n%s", q, delim, content, delim)
	if _, err := o.run(ctx, sessionID, cmd); err != nil {
		return 0, err
	}

	return o.statSize(ctx, sessionID, q)
}

// Delete removes a file, or a tree when recursive is set.
func (o *Ops) Delete(ctx context.Context, sessionID, path string, recursive bool) error {
	flag := "-f"
	if recursive {
		flag = "-rf"
	}
	_, err := o.run(ctx, sessionID, fmt.Sprintf("rm %s %s", flag, shell.Quote(path)))
	return err
}

// Move renames src to dst.
func (o *Ops) Move(ctx context.Context, sessionID, src, dst string) error {
	_, err := o.run(ctx, sessionID, fmt.Sprintf("mv %s %s", shell.Quote(src), shell.Quote(dst)))
	return err
}

// Copy duplicates src to dst, honouring the recursive flag.
func (o *Ops) Copy(ctx context.Context, sessionID, src, dst string, recursive bool) error {
	flag := ""
	if recursive {
		flag = "-r "
	}
	_, err := o.run(ctx, sessionID, fmt.Sprintf("cp %s%s %s", flag, shell.Quote(src), shell.Quote(dst)))
	return err
}

// Mkdir creates a directory, parents included.
func (o *Ops) Mkdir(ctx context.Context, sessionID, path string) error {
	_, err := o.run(ctx, sessionID, "mkdir -p "+shell.Quote(path))
	return err
}

// statSize obtains the file size, trying the GNU syntax first and the
// BSD one second for portability across platforms.
func (o *Ops) statSize(ctx context.Context, sessionID, quotedPath string) (int64, error) {
	out, err := o.run(ctx, sessionID,
		fmt.Sprintf("stat -c %%s %s 2>/dev/null || stat -f %%z %s", quotedPath, quotedPath))
	if err != nil {
		return 0, err
	}
	size, convErr := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if convErr != nil {
		return 0, errors.New(errors.KindExecutionFailed, "unexpected stat output %q", strings.TrimSpace(out))
	}
	return size, nil
}

// run executes one wrapped command and converts non-zero exits into
// execution failures carrying stderr.
func (o *Ops) run(ctx context.Context, sessionID, cmd string) (string, error) {
	res, err := o.exec.Run(ctx, sessionID, cmd, 0)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		return "", errors.New(errors.KindExecutionFailed, "%s", msg)
	}
	return res.Stdout, nil
}

// parentDir returns the directory component of a slash path, or empty
// when there is none.
func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}
