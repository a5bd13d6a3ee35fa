// Package account resolves a user address to its storage endpoint and builds
// the authorization URL for token acquisition. It is deliberately thin: the
// transfer engine only ever sees an endpoint string and a bearer token.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Storage describes a user's discovered storage service.
type Storage struct {
	// Endpoint is the authenticated base URL, always ending with "/".
	Endpoint string
	// AuthEndpoint is where the user grants a bearer token. May be empty
	// when the server does not advertise one.
	AuthEndpoint string
}

// Discoverer resolves a user address ("alice@host") to its storage service.
type Discoverer interface {
	Discover(ctx context.Context, userAddress string) (Storage, error)
}

// storageRels are the link relations a storage server may advertise, newest
// first.
var storageRels = []string{
	"http://tools.ietf.org/id/draft-dejong-remotestorage",
	"remotestorage",
	"remoteStorage",
}

const authProperty = "http://tools.ietf.org/html/rfc6749#section-4.2"

// WebFinger discovers storage endpoints via the address host's well-known
// endpoint.
type WebFinger struct {
	Client *http.Client
	// BaseURL overrides the https://<host> prefix, for tests.
	BaseURL string
}

type webFingerResponse struct {
	Links []struct {
		Rel        string             `json:"rel"`
		Href       string             `json:"href"`
		Properties map[string]*string `json:"properties"`
	} `json:"links"`
}

// Discover looks up the storage link for userAddress.
func (w *WebFinger) Discover(ctx context.Context, userAddress string) (Storage, error) {
	at := strings.LastIndex(userAddress, "@")
	if at <= 0 || at == len(userAddress)-1 {
		return Storage{}, fmt.Errorf("user address %q is not of the form user@host", userAddress)
	}
	host := userAddress[at+1:]

	base := w.BaseURL
	if base == "" {
		base = "https://" + host
	}
	lookup := base + "/.well-known/webfinger?resource=" +
		url.QueryEscape("acct:"+userAddress)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookup, nil)
	if err != nil {
		return Storage{}, fmt.Errorf("building webfinger request: %w", err)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Storage{}, fmt.Errorf("webfinger lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Storage{}, fmt.Errorf("webfinger lookup for %s: status %d", userAddress, resp.StatusCode)
	}

	var parsed webFingerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Storage{}, fmt.Errorf("parsing webfinger response: %w", err)
	}

	for _, rel := range storageRels {
		for _, link := range parsed.Links {
			if link.Rel != rel || link.Href == "" {
				continue
			}
			st := Storage{Endpoint: link.Href}
			if !strings.HasSuffix(st.Endpoint, "/") {
				st.Endpoint += "/"
			}
			if auth := link.Properties[authProperty]; auth != nil {
				st.AuthEndpoint = *auth
			}
			return st, nil
		}
	}
	return Storage{}, fmt.Errorf("no storage link found for %s", userAddress)
}

// AuthorizationURL builds the URL the user must visit to grant a bearer
// token for the given scope (e.g. "*:rw" or "documents:r").
func AuthorizationURL(authEndpoint, clientOrigin, scope string) (string, error) {
	u, err := url.Parse(authEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing auth endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client_id", clientOrigin)
	q.Set("redirect_uri", clientOrigin)
	q.Set("response_type", "token")
	q.Set("scope", scope)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
