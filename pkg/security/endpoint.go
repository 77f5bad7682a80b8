// Package security checks the endpoints model and embedding requests are
// sent to.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrEndpointRejected = errors.New("endpoint rejected")

// EndpointPolicy relaxes CheckEndpoint. The zero value only accepts HTTPS
// URLs of public hosts.
type EndpointPolicy struct {
	AllowHTTP  bool
	AllowLocal bool
}

// LocalPolicy accepts plain HTTP on loopback and private networks, which is
// how self-hosted providers such as ollama are usually reached.
var LocalPolicy = EndpointPolicy{AllowHTTP: true, AllowLocal: true}

// CheckEndpoint validates the base URL of a provider API. An empty URL means
// the provider default and is accepted. IP literals are checked without DNS
// lookups.
func CheckEndpoint(raw string, policy EndpointPolicy) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(ErrEndpointRejected, "%q: %v", raw, err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !policy.AllowHTTP {
			return errors.Wrapf(ErrEndpointRejected, "%q: plain http", raw)
		}
	default:
		return errors.Wrapf(ErrEndpointRejected, "%q: unsupported scheme %q", raw, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.Wrapf(ErrEndpointRejected, "%q: no host", raw)
	}
	if policy.AllowLocal {
		return nil
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return errors.Wrapf(ErrEndpointRejected, "%q: local host name", raw)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		// a host name
		return nil
	}
	if addr.Zone() != "" {
		return errors.Wrapf(ErrEndpointRejected, "%q: zoned address", raw)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() || addr.IsLoopback() ||
		addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return errors.Wrapf(ErrEndpointRejected, "%q: local network address", raw)
	}
	return nil
}
