// Package sanitize removes connection-scoped headers from messages and
// credentials from strings that end up in logs.
package sanitize

import (
	"net/http"
	"regexp"
	"strings"
)

// hopByHopHeaders are connection-scoped and never forwarded in either
// direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// userinfoPattern matches the password part of URL userinfo.
var userinfoPattern = regexp.MustCompile(`(://[^/@\s"]*:)[^/@\s"]+@`)

// HopByHop deletes hop-by-hop headers from h in place, including any header
// named in a Connection value. Connection tokens are read before Connection
// itself is removed.
func HopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// Credentials replaces passwords in URLs embedded in s with "xxxxx".
func Credentials(s string) string {
	return userinfoPattern.ReplaceAllString(s, "${1}xxxxx@")
}
