package proxy

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"offlinegate/internal/offline"
)

type SimpleRoute struct {
	Prefix string
	Name   string
	Policy offline.Policy
}

// SimpleDirector rewrites incoming requests onto the origin. Routes are
// matched by path prefix in order; the first match wins.
type SimpleDirector struct {
	Origin  *url.URL
	Routes  []SimpleRoute
	Default SimpleRoute
}

func NewSimpleDirector(origin *url.URL, routes []SimpleRoute, def SimpleRoute) *SimpleDirector {
	if def.Name == "" {
		def.Name = "default"
	}
	return &SimpleDirector{Origin: origin, Routes: routes, Default: def}
}

func (d *SimpleDirector) Direct(req *http.Request) (*http.Request, RouteMetadata, error) {
	route := d.Default
	for i := range d.Routes {
		if strings.HasPrefix(req.URL.Path, d.Routes[i].Prefix) {
			route = d.Routes[i]
			break
		}
	}

	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	outReq.URL.Scheme = d.Origin.Scheme
	outReq.URL.Host = d.Origin.Host
	outReq.Host = d.Origin.Host
	// Stored bodies are shared by every client, so let the transport
	// negotiate compression and hand back decoded bodies.
	outReq.Header.Del("Accept-Encoding")
	if d.Origin.Path != "" && d.Origin.Path != "/" {
		outReq.URL.Path = strings.TrimSuffix(d.Origin.Path, "/") + req.URL.Path
		outReq.URL.RawPath = ""
	}
	if req.Host != "" {
		outReq.Header.Set("X-Forwarded-Host", req.Host)
	}

	rawAddr := req.RemoteAddr
	if strings.Contains(rawAddr, "://") {
		if parts := strings.SplitN(rawAddr, "://", 2); len(parts) == 2 {
			rawAddr = parts[1]
		}
	}
	clientIp := ""
	if host, _, err := net.SplitHostPort(rawAddr); err == nil {
		clientIp = host
	} else if strings.Contains(err.Error(), "missing port in address") {
		clientIp = rawAddr
	}

	if clientIp != "" {
		prior := req.Header.Get("X-Forwarded-For")
		if prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+clientIp)
		} else {
			outReq.Header.Set("X-Forwarded-For", clientIp)
		}
	}

	meta := RouteMetadata{
		RouteName: route.Name,
		Policy:    route.Policy,
	}
	return outReq, meta, nil
}
