package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"offlinegate/internal/logging"
)

func TestIPFilter_BlocksCIDR(t *testing.T) {
	mw, err := IPFilter(logging.Nop{}, []string{"10.0.0.0/8"}, nil)
	if err != nil {
		t.Fatalf("IPFilter error: %v", err)
	}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.RemoteAddr = "10.1.2.3:12345"

	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	if called {
		t.Fatal("expected next handler not to be called for blocked IP")
	}
}

func TestIPFilter_AllowedNonBlockedIP(t *testing.T) {
	mw, err := IPFilter(logging.Nop{}, []string{"10.0.0.0/8"}, nil)
	if err != nil {
		t.Fatalf("IPFilter error: %v", err)
	}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.RemoteAddr = "192.168.1.2:12345"

	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)

	if !called {
		t.Fatalf("expected next handler to be called for allowed IP")
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestIPFilter_ForwardedFor(t *testing.T) {
	mw, err := IPFilter(logging.Nop{},
		[]string{"203.0.113.0/24", "2001:db8::/32"},
		[]string{"127.0.0.0/8", "10.0.0.0/8"},
	)
	if err != nil {
		t.Fatalf("IPFilter error: %v", err)
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	tests := map[string]struct {
		Peer string
		XFF  string
		Want int
	}{
		"blocked_v4":        {Peer: "127.0.0.1:4000", XFF: "203.0.113.9, 10.0.0.1", Want: http.StatusForbidden},
		"blocked_v6":        {Peer: "127.0.0.1:4000", XFF: "2001:db8::1", Want: http.StatusForbidden},
		"allowed":           {Peer: "127.0.0.1:4000", XFF: "198.51.100.7", Want: http.StatusOK},
		"garbage":           {Peer: "127.0.0.1:4000", XFF: "not-an-ip", Want: http.StatusOK},
		"rightmost_untrust": {Peer: "127.0.0.1:4000", XFF: "203.0.113.9, 198.51.100.7", Want: http.StatusOK},
		"untrusted_peer":    {Peer: "198.51.100.7:4000", XFF: "203.0.113.9", Want: http.StatusOK},
		"spoof_from_block":  {Peer: "203.0.113.9:4000", XFF: "198.51.100.7", Want: http.StatusForbidden},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
			req.RemoteAddr = test.Peer
			req.Header.Set("X-Forwarded-For", test.XFF)
			rr := httptest.NewRecorder()
			mw(next).ServeHTTP(rr, req)
			if rr.Code != test.Want {
				t.Errorf("status = %d, want %d", rr.Code, test.Want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := map[string]struct {
		Peer string
		XFF  []string
		Want string
	}{
		"no_header":      {Peer: "10.0.0.2:80", Want: "10.0.0.2"},
		"untrusted_peer": {Peer: "192.0.2.1:80", XFF: []string{"198.51.100.7"}, Want: "192.0.2.1"},
		"single_hop":     {Peer: "10.0.0.2:80", XFF: []string{"198.51.100.7"}, Want: "198.51.100.7"},
		"skips_trusted":  {Peer: "10.0.0.2:80", XFF: []string{"198.51.100.7, 10.0.0.5"}, Want: "198.51.100.7"},
		"spoofed_left":   {Peer: "10.0.0.2:80", XFF: []string{"203.0.113.9", "198.51.100.7"}, Want: "198.51.100.7"},
		"mapped_v4":      {Peer: "[::ffff:192.0.2.1]:80", Want: "192.0.2.1"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
			req.RemoteAddr = test.Peer
			for _, v := range test.XFF {
				req.Header.Add("X-Forwarded-For", v)
			}
			got, ok := ClientIP(req, trusted)
			if !ok {
				t.Fatal("ClientIP returned !ok")
			}
			if got.String() != test.Want {
				t.Errorf("ClientIP = %s, want %s", got, test.Want)
			}
		})
	}
}

func TestIPFilter_InvalidTrustedCIDR(t *testing.T) {
	if _, err := IPFilter(logging.Nop{}, []string{"10.0.0.0/8"}, []string{"proxy"}); err == nil {
		t.Fatal("expected error for invalid trusted CIDR")
	}
}

func TestIPFilter_InvalidCIDR(t *testing.T) {
	if _, err := IPFilter(logging.Nop{}, []string{"10.0.0.0/33"}, nil); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}

func TestIPFilter_EmptyIsPassThrough(t *testing.T) {
	mw, err := IPFilter(logging.Nop{}, nil, nil)
	if err != nil {
		t.Fatalf("IPFilter error: %v", err)
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}
