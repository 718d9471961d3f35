package api

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

// Headers the proxy sets on upstream requests. Inbound copies are dropped
// so that clients cannot assert an identity. The session cookie and any
// Authorization header never reach the upstream.
const (
	HeaderUser  = "X-Gatehouse-User"
	HeaderScope = "X-Gatehouse-Scope"
)

func newUpstreamProxy(target *url.URL, cookieName string, logger *slog.Logger) *httputil.ReverseProxy {
	logger = logger.With("component", "proxy", "upstream", target.Redacted())
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del(HeaderUser)
			pr.Out.Header.Del(HeaderScope)
			pr.Out.Header.Del("Authorization")
			dropCookie(pr.Out, cookieName)
			if s := SessionFromContext(pr.In.Context()); s != nil {
				pr.Out.Header.Set(HeaderUser, s.UserID())
				pr.Out.Header.Set(HeaderScope, strings.Join(s.Scope, " "))
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
}

// dropCookie re-encodes r's Cookie header without the named cookie.
func dropCookie(r *http.Request, name string) {
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name != name {
			r.AddCookie(c)
		}
	}
}
