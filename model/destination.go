package model

import (
	"net/http"
	"strings"
)

// HTTPClient is the pluggable transport used for every outbound call.
// *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Destination describes an OData service host and the static headers
// (typically authentication) attached to every request sent to it.
type Destination struct {
	Name        string      `json:"name"`
	URL         string      `json:"url"`
	Headers     http.Header `json:"-"`
	DisableCSRF bool        `json:"disable_csrf"`
}

// Key identifies the destination for caching purposes. It falls back to the
// URL when the destination is unnamed.
func (d Destination) Key() string {
	if d.Name != "" {
		return d.Name
	}
	return d.URL
}

// ServiceURL joins the destination URL and a service path.
func (d Destination) ServiceURL(servicePath string) string {
	base := strings.TrimRight(d.URL, "/")
	if servicePath == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(servicePath, "/")
}
