package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workdir exposes a filesystem view confined to a single root, the
// job's working directory. Paths are virtual and resolved against the
// root; escapes via .. are rejected.
type Workdir struct {
	root         string
	maxFileSize  int64
	maxWriteSize int64
}

// WorkdirOption tunes the confined filesystem.
type WorkdirOption func(*Workdir)

// WithMaxFileSize caps read sizes.
func WithMaxFileSize(size int64) WorkdirOption {
	return func(w *Workdir) { w.maxFileSize = size }
}

// WithMaxWriteSize caps write sizes.
func WithMaxWriteSize(size int64) WorkdirOption {
	return func(w *Workdir) { w.maxWriteSize = size }
}

// NewWorkdir creates the confined view rooted at dir.
func NewWorkdir(dir string, opts ...WorkdirOption) (*Workdir, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	w := &Workdir{
		root:         root,
		maxFileSize:  10 << 20,
		maxWriteSize: 10 << 20,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Workdir) resolve(virtual string) (string, error) {
	vp := filepath.Clean("/" + strings.TrimPrefix(virtual, "/"))
	abs, err := filepath.Abs(filepath.Join(w.root, vp))
	if err != nil {
		return "", errors.New("invalid path")
	}
	if abs != w.root && !strings.HasPrefix(abs, w.root+string(filepath.Separator)) {
		return "", errors.New("permission denied: path escapes working directory")
	}
	return abs, nil
}

// Read returns file contents, bounded by the read cap.
func (w *Workdir) Read(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}
	host, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(host)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, errors.New("stat error: " + err.Error())
	}
	if info.Size() > w.maxFileSize {
		return nil, fmt.Errorf("file exceeds read limit of %d bytes", w.maxFileSize)
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return nil, errors.New("read error: " + err.Error())
	}
	return string(data), nil
}

// Write writes content, bounded by the write cap.
func (w *Workdir) Write(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}
	content, _ := args["content"].(string)
	if int64(len(content)) > w.maxWriteSize {
		return nil, fmt.Errorf("content exceeds write limit of %d bytes", w.maxWriteSize)
	}
	host, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return nil, errors.New("write error: " + err.Error())
	}
	if err := os.WriteFile(host, []byte(content), 0o644); err != nil {
		return nil, errors.New("write error: " + err.Error())
	}
	return true, nil
}

// List returns directory entries.
func (w *Workdir) List(ctx context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "/"
	}
	host, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		return nil, errors.New("list error: " + err.Error())
	}
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"name":   e.Name(),
			"is_dir": e.IsDir(),
			"size":   info.Size(),
		})
	}
	return out, nil
}
