package auth

import (
	"net"
	"net/url"
	"slices"
	"strings"
)

// DefaultLocalSuffixes are top-level labels Google refuses as redirect hosts.
var DefaultLocalSuffixes = []string{"dev", "local", "test"}

// RewriteRedirectURI replaces the host of uri with "localhost" when its
// top-level label is one of suffixes. The port, path and query are kept. URIs
// that do not parse are returned unchanged.
func RewriteRedirectURI(uri string, suffixes []string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return uri
	}
	host := u.Hostname()
	tld := host
	if i := strings.LastIndex(host, "."); i >= 0 {
		tld = host[i+1:]
	}
	if !slices.Contains(suffixes, strings.ToLower(tld)) {
		return uri
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort("localhost", port)
	} else {
		u.Host = "localhost"
	}
	return u.String()
}

// CallbackURI joins a site base URL and the callback path.
func CallbackURI(baseURL, callbackPath string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(callbackPath, "/")
}
