package account

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webFingerBody = `{
  "links": [
    {"rel": "http://webfinger.net/rel/avatar", "href": "https://host.example/avatar.png"},
    {
      "rel": "http://tools.ietf.org/id/draft-dejong-remotestorage",
      "href": "https://storage.example/alice",
      "properties": {
        "http://tools.ietf.org/html/rfc6749#section-4.2": "https://storage.example/oauth/alice"
      }
    }
  ]
}`

func TestWebFinger_Discover(t *testing.T) {
	var gotPath, gotResource string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotResource = r.URL.Query().Get("resource")
		w.Write([]byte(webFingerBody)) //nolint:errcheck
	}))
	defer srv.Close()

	wf := &WebFinger{BaseURL: srv.URL}
	st, err := wf.Discover(context.Background(), "alice@host.example")
	require.NoError(t, err)

	assert.Equal(t, "/.well-known/webfinger", gotPath)
	assert.Equal(t, "acct:alice@host.example", gotResource)
	assert.Equal(t, "https://storage.example/alice/", st.Endpoint)
	assert.Equal(t, "https://storage.example/oauth/alice", st.AuthEndpoint)
}

func TestWebFinger_DiscoverLegacyRel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"links":[{"rel":"remotestorage","href":"https://s.example/bob/"}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	wf := &WebFinger{BaseURL: srv.URL}
	st, err := wf.Discover(context.Background(), "bob@s.example")
	require.NoError(t, err)
	assert.Equal(t, "https://s.example/bob/", st.Endpoint)
	assert.Empty(t, st.AuthEndpoint)
}

func TestWebFinger_NoStorageLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"links":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	wf := &WebFinger{BaseURL: srv.URL}
	_, err := wf.Discover(context.Background(), "carol@nowhere.example")
	assert.Error(t, err)
}

func TestWebFinger_LookupFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	wf := &WebFinger{BaseURL: srv.URL}
	_, err := wf.Discover(context.Background(), "dave@gone.example")
	assert.Error(t, err)
}

func TestWebFinger_BadAddress(t *testing.T) {
	wf := &WebFinger{}
	for _, addr := range []string{"", "nohost", "@host", "user@"} {
		_, err := wf.Discover(context.Background(), addr)
		assert.Error(t, err, "address %q", addr)
	}
}

func TestAuthorizationURL(t *testing.T) {
	got, err := AuthorizationURL("https://s.example/oauth/alice", "https://app.example", "documents:rw")
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "https://app.example", q.Get("client_id"))
	assert.Equal(t, "https://app.example", q.Get("redirect_uri"))
	assert.Equal(t, "token", q.Get("response_type"))
	assert.Equal(t, "documents:rw", q.Get("scope"))
}
