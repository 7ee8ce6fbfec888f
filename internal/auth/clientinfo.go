package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

// ipHeaders are consulted in order; the first non-empty one wins.
var ipHeaders = []string{
	"Forwarded",
	"Forwarded-For",
	"X-Forwarded",
	"X-Forwarded-For",
	"X-Client-IP",
	"X-Real-IP",
	"X-Cluster-Client-IP",
	"Proxy-Client-IP",
	"CF-Connecting-IP",
	"Fastly-Client-Ip",
	"True-Client-Ip",
	"WL-Proxy-Client-IP",
	"HTTP_X_FORWARDED_FOR",
	"HTTP_X_FORWARDED",
	"HTTP_X_CLUSTER_CLIENT_IP",
	"HTTP_CLIENT_IP",
	"HTTP_FORWARDED_FOR",
	"HTTP_FORWARDED",
	"HTTP_VIA",
	"REMOTE_ADDR",
}

// ClientIP extracts the client address from proxy headers, taking the first
// comma-separated value, and falls back to the connection's remote address.
func ClientIP(r *http.Request) string {
	for _, h := range ipHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		first := strings.TrimSpace(strings.Split(v, ",")[0])
		// Forwarded: for=192.0.2.60;proto=http
		if strings.HasPrefix(strings.ToLower(first), "for=") {
			first = strings.Trim(strings.SplitN(first[4:], ";", 2)[0], `"`)
		}
		if first != "" {
			return first
		}
	}
	return RemoteIP(r)
}

// RemoteIP returns the host part of the connection's remote address.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// DescribeUserAgent returns the browser and operating system names parsed from ua.
func DescribeUserAgent(ua string) (browser, os string) {
	if ua == "" {
		return "Unknown", "Unknown"
	}
	parsed := useragent.New(ua)
	browser, _ = parsed.Browser()
	os = parsed.OS()
	if browser == "" {
		browser = "Unknown"
	}
	if os == "" {
		os = "Unknown"
	}
	return browser, os
}

// SafeRedirect returns target when it is a same-origin relative path and "/"
// otherwise.
func SafeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") {
		return "/"
	}
	if strings.HasPrefix(target, "//") || strings.HasPrefix(target, `/\`) {
		return "/"
	}
	if strings.ContainsAny(target, "\r\n\t") {
		return "/"
	}
	return target
}
