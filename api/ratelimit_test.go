package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type limiterClock struct{ t time.Time }

func (c *limiterClock) now() time.Time { return c.t }

func newTestLimiter() (*loginRateLimiter, *limiterClock) {
	clock := &limiterClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := newLoginRateLimiter()
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < ipMaxFailures-1; i++ {
		rl.recordFailure("198.51.100.1")
		blocked, _ := rl.check("198.51.100.1")
		assert.False(t, blocked, "should not block before reaching ipMaxFailures")
	}
}

func TestRateLimiter_BlocksAfterThreshold(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("198.51.100.1")
	}
	blocked, retryAfter := rl.check("198.51.100.1")
	require.True(t, blocked)
	assert.Equal(t, ipBaseLockout, retryAfter)
}

func TestRateLimiter_ExponentialBackoffIsCapped(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < ipMaxFailures+1; i++ {
		rl.recordFailure("198.51.100.1")
	}
	_, retryAfter := rl.check("198.51.100.1")
	assert.Equal(t, 2*ipBaseLockout, retryAfter)

	for i := 0; i < 20; i++ {
		rl.recordFailure("198.51.100.1")
	}
	_, retryAfter = rl.check("198.51.100.1")
	assert.Equal(t, ipMaxLockout, retryAfter)
}

func TestRateLimiter_LockoutElapses(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("198.51.100.1")
	}
	clock.t = clock.t.Add(ipBaseLockout + time.Second)
	blocked, _ := rl.check("198.51.100.1")
	assert.False(t, blocked)
}

func TestRateLimiter_SuccessClearsAndIsolates(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("198.51.100.1")
		rl.recordFailure("198.51.100.2")
	}
	rl.recordSuccess("198.51.100.1")

	blocked, _ := rl.check("198.51.100.1")
	assert.False(t, blocked)
	blocked, _ = rl.check("198.51.100.2")
	assert.True(t, blocked)
	blocked, _ = rl.check("203.0.113.1")
	assert.False(t, blocked)
}

func TestRateLimiter_SweepRemovesExpired(t *testing.T) {
	rl, clock := newTestLimiter()
	rl.recordFailure("198.51.100.1")
	clock.t = clock.t.Add(attemptExpiry / 2)
	rl.recordFailure("198.51.100.2")
	clock.t = clock.t.Add(attemptExpiry/2 + time.Second)

	rl.sweep()
	assert.NotContains(t, rl.attempts, "198.51.100.1")
	assert.Contains(t, rl.attempts, "198.51.100.2")
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestParseTrustedProxies(t *testing.T) {
	prefixes, err := parseTrustedProxies([]string{"10.0.0.0/8", "10.1.2.3", "::1", " 172.16.5.4/12 "})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("10.1.2.3/32"),
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("172.16.0.0/12"),
	}, prefixes)

	_, err = parseTrustedProxies([]string{"10.0.0.0/8", "garbage"})
	require.Error(t, err)
}

func TestExtractClientIPWithTrustedProxies(t *testing.T) {
	trustedCIDR := netip.MustParsePrefix("10.0.0.0/8")

	tests := []struct {
		name           string
		remoteAddr     string
		headers        map[string]string
		trustedProxies []netip.Prefix
		want           string
	}{
		{
			name:           "trusted proxy honors XFF",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "198.51.100.25",
		},
		{
			name:           "untrusted peer ignores XFF",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "192.168.1.1",
		},
		{
			name:           "untrusted peer ignores Forwarded",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"Forwarded": "for=198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "192.168.1.1",
		},
		{
			name:           "untrusted peer ignores X-Real-IP",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"X-Real-IP": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "192.168.1.1",
		},
		{
			name:           "no trusted proxies configured ignores headers",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: nil,
			want:           "192.168.1.1",
		},
		{
			name:           "remote ipv6",
			remoteAddr:     "[::1]:8080",
			trustedProxies: nil,
			want:           "::1",
		},
		{
			name:           "empty when nothing parseable",
			remoteAddr:     "not-a-hostport",
			trustedProxies: nil,
			want:           "",
		},
		{
			name:           "trusted proxy with no headers falls back to remote",
			remoteAddr:     "10.0.0.1:80",
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "10.0.0.1",
		},
		{
			name:           "multiple CIDRs - second matches",
			remoteAddr:     "172.16.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR, netip.MustParsePrefix("172.16.0.0/12")},
			want:           "198.51.100.25",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr}
			r.Header = make(http.Header)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got := extractClientIPWithProxies(r, tt.trustedProxies)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientIPHeaderPriority(t *testing.T) {
	// When trusted, test priority: XFF > Forwarded > X-Real-IP.
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	t.Run("XFF takes priority over Forwarded and X-Real-IP", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "10.0.0.1:80",
			Header: http.Header{
				"X-Forwarded-For": []string{"198.51.100.10"},
				"Forwarded":       []string{"for=198.51.100.20"},
				"X-Real-Ip":       []string{"198.51.100.30"},
			},
		}
		got := extractClientIPWithProxies(r, trusted)
		assert.Equal(t, "198.51.100.10", got)
	})

	t.Run("Forwarded takes priority over X-Real-IP when no XFF", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "10.0.0.1:80",
			Header: http.Header{
				"Forwarded": []string{"for=198.51.100.20"},
				"X-Real-Ip": []string{"198.51.100.30"},
			},
		}
		got := extractClientIPWithProxies(r, trusted)
		assert.Equal(t, "198.51.100.20", got)
	})

	t.Run("X-Real-IP used when no XFF or Forwarded", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "10.0.0.1:80",
			Header: http.Header{
				"X-Real-Ip": []string{"198.51.100.30"},
			},
		}
		got := extractClientIPWithProxies(r, trusted)
		assert.Equal(t, "198.51.100.30", got)
	})
}

// TestAPIClientIPUsesConfiguredProxies tests the API-method-level
// reads trustedProxies from the API.
func TestAPIClientIPUsesConfiguredProxies(t *testing.T) {
	a := &API{
		trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	}

	t.Run("trusted peer uses XFF", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "10.0.0.1:80",
			Header: http.Header{
				"X-Forwarded-For": []string{"198.51.100.25"},
			},
		}
		got := a.extractClientIP(r)
		assert.Equal(t, "198.51.100.25", got)
	})

	t.Run("untrusted peer ignores XFF", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "192.168.1.1:80",
			Header: http.Header{
				"X-Forwarded-For": []string{"198.51.100.25"},
			},
		}
		got := a.extractClientIP(r)
		assert.Equal(t, "192.168.1.1", got)
	})
}

func TestClientIPIgnoresSpoofedHeaders(t *testing.T) {
	// An attacker directly connecting (not through a proxy) tries to spoof
	// their IP via X-Forwarded-For. With trusted proxies configured, the
	// header should be ignored.
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	r := &http.Request{
		RemoteAddr: "203.0.113.99:12345",
		Header: http.Header{
			"X-Forwarded-For": []string{"10.0.0.1"}, // trying to look internal
			"Forwarded":       []string{"for=10.0.0.2"},
			"X-Real-Ip":       []string{"10.0.0.3"},
		},
	}
	got := extractClientIPWithProxies(r, trusted)
	assert.Equal(t, "203.0.113.99", got, "should use TCP peer, not spoofed headers")
}

func TestParseIPCandidate(t *testing.T) {
	for raw, want := range map[string]string{
		"198.51.100.7":         "198.51.100.7",
		" 198.51.100.7:443 ":   "198.51.100.7",
		`"[2001:db8::1]:4711"`: "2001:db8::1",
		"[2001:db8::2]":        "2001:db8::2",
		"fe80::1%eth0":         "fe80::1",
		"::ffff:198.51.100.9":  "::ffff:198.51.100.9",
	} {
		got, ok := parseIPCandidate(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"", "unknown", "_hidden", "example.com"} {
		_, ok := parseIPCandidate(raw)
		assert.False(t, ok, raw)
	}
}

func TestForwardedForParameterCaseInsensitive(t *testing.T) {
	r := &http.Request{
		RemoteAddr: "10.0.0.1:80",
		Header:     http.Header{"Forwarded": []string{"proto=https; For=198.51.100.40, for=198.51.100.41"}},
	}
	assert.Equal(t, "198.51.100.40", extractClientIPWithProxies(r, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}))
}
