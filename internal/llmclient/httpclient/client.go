// Package httpclient builds upstream HTTP clients with optional proxy
// routing (http, https, socks5).
package httpclient

import (
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// New returns a client routing through proxyURL. An empty proxyURL yields a
// direct client. Broken proxy config logs and falls back to a direct client
// so a config typo never takes the provider offline.
//
// Every call returns a fresh client with its own transport; callers that
// want connection reuse cache the result.
func New(proxyURL string) *http.Client {
	transport := &http.Transport{}
	if proxyURL == "" {
		return &http.Client{Transport: transport}
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		logrus.Errorf("parsing proxy URL %s: %v, using direct connection", proxyURL, err)
		return &http.Client{Transport: transport}
	}

	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, nil, proxy.Direct)
		if err != nil {
			logrus.Errorf("creating SOCKS5 dialer for %s: %v, using direct connection", parsed.Host, err)
			return &http.Client{Transport: transport}
		}
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		}
	default:
		logrus.Errorf("unsupported proxy scheme %q, supported schemes are http, https, socks5", parsed.Scheme)
	}

	return &http.Client{Transport: transport}
}
