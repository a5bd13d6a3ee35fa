package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const icsBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nSUMMARY:Standup\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

func quotedMD5(body string) string {
	sum := md5.Sum([]byte(body))
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// putRecorder captures every PUT the restore issues.
type putRecorder struct {
	mu      sync.Mutex
	status  int
	etag    string
	puts    map[string]string // decoded path → body
	headers map[string]http.Header
	lengths map[string]int64
	uris    []string
}

func newPutRecorder(status int, etag string) *putRecorder {
	return &putRecorder{
		status:  status,
		etag:    etag,
		puts:    make(map[string]string),
		headers: make(map[string]http.Header),
		lengths: make(map[string]int64),
	}
}

func (p *putRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	p.mu.Lock()
	p.puts[r.URL.Path] = string(body)
	p.headers[r.URL.Path] = r.Header.Clone()
	p.lengths[r.URL.Path] = r.ContentLength
	p.uris = append(p.uris, r.RequestURI)
	p.mu.Unlock()
	if p.etag != "" {
		w.Header().Set("ETag", p.etag)
	}
	w.WriteHeader(p.status)
}

func (p *putRecorder) header(path string) http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.headers[path]
}

func newRestoreFixture(t *testing.T, handler http.Handler, etagAlgorithm string) (*Restore, afero.Fs) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	fsys := afero.NewMemMapFs()
	r := NewRestore(NewClient("tok", "https://origin.test"), srv.URL+"/", 2, fsys, "/backup", etagAlgorithm)
	return r, fsys
}

func TestRestore_PutDocumentCreated(t *testing.T) {
	// A calendar file with no saved metadata: the client digests it with
	// MD5, infers text/calendar, and the server answers 201 Created.
	rec := newPutRecorder(http.StatusCreated, `"srv-etag-1"`)
	r, fsys := newRestoreFixture(t, rec, "md5")
	path := "/cat/folder/sample.ics"
	require.NoError(t, fsys.MkdirAll("/backup/cat/folder", 0755))
	require.NoError(t, afero.WriteFile(fsys, "/backup/cat/folder/sample.ics", []byte(icsBody), 0644))

	out, res := r.PutDocument(context.Background(), path, nil)

	assert.Equal(t, Success, res.Disposition)
	assert.Equal(t, http.StatusCreated, out.Status)
	assert.Equal(t, `"srv-etag-1"`, out.ETag)
	assert.True(t, strings.HasPrefix(out.ContentType, "text/calendar"), out.ContentType)
	assert.Equal(t, int64(len(icsBody)), out.ContentLength)

	assert.Equal(t, icsBody, rec.puts[path])
	h := rec.header(path)
	assert.Equal(t, quotedMD5(icsBody), h.Get("If-None-Match"))
	assert.True(t, strings.HasPrefix(h.Get("Content-Type"), "text/calendar"))
	assert.Equal(t, int64(len(icsBody)), rec.lengths[path])
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "AdaptiveBackup/"+Version, h.Get("User-Agent"))
	assert.Equal(t, "https://origin.test", h.Get("Origin"))

	documents, upToDate, bytes := r.Stats()
	assert.Equal(t, int64(1), documents)
	assert.Equal(t, int64(0), upToDate)
	assert.Equal(t, int64(len(icsBody)), bytes)
}

func TestRestore_PutDocumentUpdated(t *testing.T) {
	rec := newPutRecorder(http.StatusOK, `"srv-etag-2"`)
	r, fsys := newRestoreFixture(t, rec, "md5")
	require.NoError(t, afero.WriteFile(fsys, "/backup/doc.txt", []byte("fresh"), 0644))

	out, res := r.PutDocument(context.Background(), "/doc.txt", nil)

	assert.Equal(t, Success, res.Disposition)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, `"srv-etag-2"`, out.ETag)
}

func TestRestore_PreconditionFailedIsAlreadyCurrent(t *testing.T) {
	// The server already holds this exact version: 412 dequeues without a
	// body update, and the reported ETag is the client's own digest.
	rec := newPutRecorder(http.StatusPreconditionFailed, "")
	r, fsys := newRestoreFixture(t, rec, "md5")
	require.NoError(t, afero.WriteFile(fsys, "/backup/doc.txt", []byte("stable"), 0644))

	out, res := r.PutDocument(context.Background(), "/doc.txt", nil)

	assert.Equal(t, Success, res.Disposition)
	assert.Equal(t, http.StatusPreconditionFailed, out.Status)
	assert.Equal(t, quotedMD5("stable"), out.ETag)

	documents, upToDate, bytes := r.Stats()
	assert.Equal(t, int64(0), documents)
	assert.Equal(t, int64(1), upToDate)
	assert.Equal(t, int64(0), bytes)
}

func TestRestore_SavedMetadataDrivesHeaders(t *testing.T) {
	// No digest algorithm configured: the saved ETag rides If-None-Match,
	// and the saved Content-Type beats any inference.
	rec := newPutRecorder(http.StatusOK, `"s"`)
	r, fsys := newRestoreFixture(t, rec, "")
	require.NoError(t, afero.WriteFile(fsys, "/backup/doc.bin", []byte{0x00, 0x01, 0x02}, 0644))

	meta := &ItemMetadata{ETag: `"saved-9"`, ContentType: "application/x-custom"}
	out, res := r.PutDocument(context.Background(), "/doc.bin", meta)

	assert.Equal(t, Success, res.Disposition)
	assert.Equal(t, "application/x-custom", out.ContentType)
	h := rec.header("/doc.bin")
	assert.Equal(t, `"saved-9"`, h.Get("If-None-Match"))
	assert.Equal(t, "application/x-custom", h.Get("Content-Type"))
}

func TestRestore_NoETagMeansUnconditionalPut(t *testing.T) {
	rec := newPutRecorder(http.StatusCreated, `"s"`)
	r, fsys := newRestoreFixture(t, rec, "")
	require.NoError(t, afero.WriteFile(fsys, "/backup/doc.txt", []byte("new"), 0644))

	_, res := r.PutDocument(context.Background(), "/doc.txt", nil)

	assert.Equal(t, Success, res.Disposition)
	_, present := rec.header("/doc.txt")["If-None-Match"]
	assert.False(t, present)
}

func TestRestore_ResponseDispositions(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		want       Disposition
	}{
		{http.StatusUnauthorized, "", Permanent},
		{http.StatusForbidden, "", Permanent},
		{http.StatusTooManyRequests, "9", Overload},
		{http.StatusServiceUnavailable, "", Overload},
		{http.StatusGatewayTimeout, "", RetryQuiet},
		{http.StatusInternalServerError, "", Retry},
		{http.StatusBadGateway, "", Retry},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.retryAfter != "" {
				w.Header().Set("Retry-After", tc.retryAfter)
			}
			w.WriteHeader(tc.status)
		}))
		fsys := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fsys, "/backup/doc.txt", []byte("x"), 0644))
		r := NewRestore(NewClient("tok", ""), srv.URL+"/", 2, fsys, "/backup", "md5")

		_, res := r.PutDocument(context.Background(), "/doc.txt", nil)
		assert.Equal(t, tc.want, res.Disposition, "status %d", tc.status)
		assert.Equal(t, tc.retryAfter, res.RetryAfter, "status %d", tc.status)
		srv.Close()
	}
}

func TestRestore_MissingLocalFileAbandonsRun(t *testing.T) {
	rec := newPutRecorder(http.StatusCreated, `"s"`)
	r, _ := newRestoreFixture(t, rec, "md5")

	_, res := r.PutDocument(context.Background(), "/ghost.txt", nil)

	assert.Equal(t, Permanent, res.Disposition)
	assert.True(t, r.Engine.Abandoned())
}

func TestRestore_EncodedUploadPath(t *testing.T) {
	rec := newPutRecorder(http.StatusCreated, `"s"`)
	r, fsys := newRestoreFixture(t, rec, "md5")
	require.NoError(t, fsys.MkdirAll("/backup/my files", 0755))
	require.NoError(t, afero.WriteFile(fsys, "/backup/my files/a b.txt", []byte("sp"), 0644))

	_, res := r.PutDocument(context.Background(), "/my files/a b.txt", nil)

	assert.Equal(t, Success, res.Disposition)
	require.Len(t, rec.uris, 1)
	assert.Equal(t, "/my%20files/a%20b.txt", rec.uris[0])
}
