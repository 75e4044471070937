package middleware

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"offlinegate/internal/logging"
)

type ipFilter struct {
	logger  logging.Logger
	blocked []netip.Prefix
	trusted []netip.Prefix
}

// IPFilter constructs a middleware that blocks requests from client IPs
// within any of the blocked CIDR ranges. X-Forwarded-For is only consulted
// when the peer is within one of the trusted proxy ranges.
func IPFilter(logger logging.Logger, blockedCIDRs, trustedCIDRs []string) (Middleware, error) {
	if len(blockedCIDRs) == 0 {
		return func(next http.Handler) http.Handler {
			return next
		}, nil
	}

	blocked, err := parsePrefixes(blockedCIDRs)
	if err != nil {
		return nil, err
	}
	trusted, err := parsePrefixes(trustedCIDRs)
	if err != nil {
		return nil, err
	}

	f := &ipFilter{
		logger:  logger,
		blocked: blocked,
		trusted: trusted,
	}
	return f.middleware, nil
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("parse cidr %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

func (f *ipFilter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP, ok := ClientIP(r, f.trusted)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if contains(f.blocked, clientIP) {
			if f.logger != nil {
				f.logger.Info("ip blocked",
					"ip", clientIP.String(),
					"path", r.URL.Path,
				)
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func contains(prefixes []netip.Prefix, ip netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the address of the client behind r. The peer address is
// used unless it is a trusted proxy, in which case X-Forwarded-For is walked
// from the right and the first hop that is not itself trusted wins.
func ClientIP(r *http.Request, trusted []netip.Prefix) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	peer = peer.Unmap()
	if !contains(trusted, peer) {
		return peer, true
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		ip, err := netip.ParseAddr(hop)
		if err != nil {
			// A garbled hop ends the chain we can vouch for.
			break
		}
		client = ip.Unmap()
		if !contains(trusted, client) {
			break
		}
	}
	return client, true
}
