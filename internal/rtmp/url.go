package rtmp

import (
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const (
	defaultPort    = "1935"
	defaultTLSPort = "443"
)

// Endpoint is a parsed publish URL of the form
// rtmp://host[:port]/app[/instance]/streamKey[?query].
type Endpoint struct {
	Scheme    string
	Addr      string // host:port used to dial
	Host      string // host[:port] as written
	App       string // application path, may contain '/'
	StreamKey string // last path segment plus any query
}

// ParseEndpoint parses and validates a publish URL.
func ParseEndpoint(raw string) (*Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid endpoint %q", raw)
	}

	ep := &Endpoint{Scheme: strings.ToLower(u.Scheme)}
	port := defaultPort
	switch ep.Scheme {
	case "rtmp":
	case "rtmps":
		port = defaultTLSPort
	default:
		return nil, errors.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}

	ep.Host = u.Host
	if u.Hostname() == "" {
		return nil, errors.Errorf("missing host in %q", raw)
	}
	if p := u.Port(); p != "" {
		port = p
	}
	ep.Addr = net.JoinHostPort(u.Hostname(), port)

	path := strings.Trim(u.EscapedPath(), "/")
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return nil, errors.Errorf("endpoint %q must name an application and a stream key", raw)
	}
	ep.App, ep.StreamKey = path[:i], path[i+1:]
	if app, err := url.PathUnescape(ep.App); err == nil {
		ep.App = app
	}
	if key, err := url.PathUnescape(ep.StreamKey); err == nil {
		ep.StreamKey = key
	}
	if u.RawQuery != "" {
		ep.StreamKey += "?" + u.RawQuery
	}
	return ep, nil
}

// TcURL is the tcUrl announced in connect, with an optional query appended
// for authentication.
func (e *Endpoint) TcURL(query string) string {
	return e.Scheme + "://" + e.Host + "/" + e.AppWithQuery(query)
}

// AppWithQuery is the app name announced in connect.
func (e *Endpoint) AppWithQuery(query string) string {
	if query == "" {
		return e.App
	}
	return e.App + "?" + query
}

// Redacted returns the URL without the stream key, for logging.
func (e *Endpoint) Redacted() string {
	return e.Scheme + "://" + e.Addr + "/" + e.App + "/***"
}
