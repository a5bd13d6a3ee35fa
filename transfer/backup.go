package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// Backup mirrors a remote tree into a local directory. Folder responses
// expand their children into the queue and persist the raw listing body;
// document responses stream to a file.
type Backup struct {
	Engine   *Engine
	client   *http.Client
	endpoint string
	fsys     afero.Fs
	root     string

	folders   atomic.Int64
	documents atomic.Int64
	bytes     atomic.Int64
}

// NewBackup wires a backup run against the storage endpoint (which must end
// with "/"), mirroring into root on fsys.
func NewBackup(client *http.Client, endpoint string, simultaneous int, fsys afero.Fs, root string) *Backup {
	b := &Backup{
		client:   client,
		endpoint: endpoint,
		fsys:     fsys,
		root:     root,
	}
	b.Engine = NewEngine(BackupConfig(simultaneous), b.fetch)
	return b
}

// Stats returns mirrored folder count, document count and document bytes.
func (b *Backup) Stats() (folders, documents, bytes int64) {
	return b.folders.Load(), b.documents.Load(), b.bytes.Load()
}

// fetch executes one GET and maps the response onto an entry disposition.
func (b *Backup) fetch(ctx context.Context, path string, _ *ItemMetadata) Result {
	l := sub("backup")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+EncodePath(path), nil)
	if err != nil {
		l.Error("building request failed", "path", path, "err", err)
		return Result{Disposition: Retry}
	}
	start := nowFunc()
	resp, err := b.client.Do(req)
	if err != nil {
		l.Warn("fetch failed, will retry", "path", path, "err", err)
		return Result{Disposition: Retry}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK && IsFolder(path):
		if err := b.saveFolder(path, resp.Body); err != nil {
			l.Warn("folder save failed, will retry", "path", path, "err", err)
			return Result{Disposition: Retry}
		}
		b.folders.Add(1)
		l.Debug("folder mirrored", "path", path, "durationMs", nowFunc().Sub(start).Milliseconds())
		return Result{Disposition: Success}

	case resp.StatusCode == http.StatusOK:
		n, err := b.saveDocument(path, resp.Body)
		if err != nil {
			l.Warn("document save failed, will retry", "path", path, "err", err)
			return Result{Disposition: Retry}
		}
		b.documents.Add(1)
		b.bytes.Add(n)
		if logEnabled(slog.LevelDebug) {
			l.Debug("document mirrored", "path", path, "bytes", n, "durationMs", nowFunc().Sub(start).Milliseconds())
		}
		return Result{Disposition: Success}

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		l.Error("permission denied", "path", path, "status", resp.StatusCode)
		return Result{Disposition: Permanent}

	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		l.Warn("deleted since run start", "path", path, "status", resp.StatusCode)
		return Result{Disposition: Permanent}

	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return Result{Disposition: Overload, RetryAfter: resp.Header.Get("Retry-After")}

	case resp.StatusCode == http.StatusGatewayTimeout:
		l.Warn("gateway timeout, will retry", "path", path)
		return Result{Disposition: RetryQuiet}

	default:
		l.Warn("server error, will retry", "path", path, "status", resp.StatusCode)
		return Result{Disposition: Retry}
	}
}

// saveFolder persists the listing body verbatim beside the folder and
// enqueues every child.
func (b *Backup) saveFolder(path string, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read folder body: %w", err)
	}
	var desc FolderDescription
	if err := json.Unmarshal(body, &desc); err != nil {
		return fmt.Errorf("parse folder description: %w", err)
	}

	dir := localPath(b.root, path)
	if err := b.fsys.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir folder: %w", err)
	}
	if err := afero.WriteFile(b.fsys, filepath.Join(dir, FolderDescriptionName), body, 0644); err != nil {
		return fmt.Errorf("write folder description: %w", err)
	}

	// JSON maps carry no order; sort child names so runs are reproducible.
	names := lo.Keys(desc.Items)
	sort.Strings(names)
	for _, name := range names {
		b.Engine.Enqueue(path+name, nil)
	}
	return nil
}

// saveDocument streams the response body to the mirrored file.
func (b *Backup) saveDocument(path string, r io.Reader) (int64, error) {
	file := localPath(b.root, path)
	if err := b.fsys.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return 0, fmt.Errorf("mkdir parent: %w", err)
	}
	f, err := b.fsys.Create(file)
	if err != nil {
		return 0, fmt.Errorf("create document: %w", err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("stream document: %w", err)
	}
	return n, nil
}
