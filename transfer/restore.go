package transfer

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/spf13/afero"
)

// Restore uploads every document of a local mirror back to the storage
// service, conditionally on entity tags so unchanged documents are skipped.
type Restore struct {
	Engine        *Engine
	client        *http.Client
	endpoint      string
	fsys          afero.Fs
	root          string
	etagAlgorithm string

	documents atomic.Int64
	upToDate  atomic.Int64
	bytes     atomic.Int64
}

// NewRestore wires a restore run against the storage endpoint (which must
// end with "/"), uploading from root on fsys. A non-empty etagAlgorithm
// makes the client digest each file itself; otherwise the ETag saved in the
// folder description is used when present.
func NewRestore(client *http.Client, endpoint string, simultaneous int, fsys afero.Fs, root, etagAlgorithm string) *Restore {
	r := &Restore{
		client:        client,
		endpoint:      endpoint,
		fsys:          fsys,
		root:          root,
		etagAlgorithm: etagAlgorithm,
	}
	r.Engine = NewEngine(RestoreConfig(simultaneous), r.put)
	return r
}

// Stats returns uploaded document count, already-current count and uploaded
// bytes.
func (r *Restore) Stats() (documents, upToDate, bytes int64) {
	return r.documents.Load(), r.upToDate.Load(), r.bytes.Load()
}

func (r *Restore) put(ctx context.Context, path string, meta *ItemMetadata) Result {
	_, res := r.PutDocument(ctx, path, meta)
	return res
}

// PutResult reports the inspected outcome of one upload attempt.
type PutResult struct {
	Status        int
	ETag          string
	ContentType   string
	ContentLength int64
}

// PutDocument streams one local file as a conditional PUT. Local read
// failures are fatal to the run: they abandon gracefully and record the
// path as failed.
func (r *Restore) PutDocument(ctx context.Context, path string, meta *ItemMetadata) (PutResult, Result) {
	l := sub("restore")
	local := localPath(r.root, path)

	info, err := r.fsys.Stat(local)
	if err != nil {
		l.Error("cannot stat local file, abandoning run", "path", path, "err", err)
		r.Engine.AbandonGracefully("local read failure")
		return PutResult{}, Result{Disposition: Permanent}
	}
	contentType := ResolveContentType(r.fsys, local, meta)

	fileETag := ""
	if r.etagAlgorithm != "" {
		fileETag, err = FileETag(r.fsys, local, r.etagAlgorithm)
		if err != nil {
			l.Error("cannot digest local file, abandoning run", "path", path, "err", err)
			r.Engine.AbandonGracefully("local read failure")
			return PutResult{}, Result{Disposition: Permanent}
		}
	} else if meta != nil && meta.ETag != "" {
		fileETag = meta.ETag
	}

	f, err := r.fsys.Open(local)
	if err != nil {
		l.Error("cannot open local file, abandoning run", "path", path, "err", err)
		r.Engine.AbandonGracefully("local read failure")
		return PutResult{}, Result{Disposition: Permanent}
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.endpoint+EncodePath(path), f)
	if err != nil {
		l.Error("building request failed", "path", path, "err", err)
		return PutResult{}, Result{Disposition: Retry}
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)
	if fileETag != "" {
		req.Header.Set("If-None-Match", fileETag)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		l.Warn("upload failed, will retry", "path", path, "err", err)
		return PutResult{}, Result{Disposition: Retry}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	out := PutResult{Status: resp.StatusCode, ContentType: contentType, ContentLength: info.Size()}
	switch resp.StatusCode {
	case http.StatusOK:
		out.ETag = resp.Header.Get("ETag")
		r.documents.Add(1)
		r.bytes.Add(info.Size())
		l.Info("updated", "path", path, "etag", out.ETag)
		return out, Result{Disposition: Success}

	case http.StatusCreated:
		out.ETag = resp.Header.Get("ETag")
		r.documents.Add(1)
		r.bytes.Add(info.Size())
		l.Info("created", "path", path, "etag", out.ETag)
		return out, Result{Disposition: Success}

	case http.StatusPreconditionFailed:
		// The server already holds this exact version.
		out.ETag = fileETag
		r.upToDate.Add(1)
		l.Info("already current", "path", path, "etag", fileETag)
		return out, Result{Disposition: Success}

	case http.StatusUnauthorized, http.StatusForbidden:
		l.Error("permission denied", "path", path, "status", resp.StatusCode)
		return out, Result{Disposition: Permanent}

	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return out, Result{Disposition: Overload, RetryAfter: resp.Header.Get("Retry-After")}

	case http.StatusGatewayTimeout:
		l.Warn("gateway timeout, will retry", "path", path)
		return out, Result{Disposition: RetryQuiet}

	default:
		l.Warn("server error, will retry", "path", path, "status", resp.StatusCode)
		return out, Result{Disposition: Retry}
	}
}
