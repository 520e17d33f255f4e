// Package rule compiles proxy rules and resolves the outbound target for a
// matched request.
//
// A static rule forwards everything under its prefix to one configured
// origin, optionally rewriting the path. A dynamic rule forwards to the
// absolute URL percent-encoded in the remainder of the path:
//
//	/proxy/https%3A%2F%2Fexample.com%2Fv1%2Fping  ->  https://example.com/v1/ping
package rule

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"devproxy-go/internal/config"
	"devproxy-go/internal/sanitize"
)

var (
	// ErrInvalidTargetURL is returned when the URL embedded in a dynamic
	// proxy path is malformed, relative, or not http(s).
	ErrInvalidTargetURL = errors.New("invalid target URL")

	// ErrTargetNotAllowed is returned when a dynamic target's host is not in
	// the rule's allowed_hosts list.
	ErrTargetNotAllowed = errors.New("target host not allowed")
)

// Kind distinguishes static from dynamic rules.
type Kind int

const (
	Static Kind = iota
	Dynamic
)

func (k Kind) String() string {
	if k == Dynamic {
		return "dynamic"
	}
	return "static"
}

// alwaysStripped would leak the proxy's own origin to the upstream.
var alwaysStripped = []string{"Origin", "Referer"}

// Rule is the compiled, immutable form of a config.RuleConfig.
type Rule struct {
	prefix       string
	kind         Kind
	target       *url.URL
	rewrite      *regexp.Regexp
	replacement  string
	preserveHost bool
	strip        []string
	allowedHosts map[string]bool
}

// Compile validates rc and returns the rule it describes.
func Compile(rc config.RuleConfig) (*Rule, error) {
	if rc.Prefix == "" || rc.Prefix[0] != '/' {
		return nil, fmt.Errorf("rule prefix must start with '/'; got %q", rc.Prefix)
	}

	r := &Rule{
		prefix:       rc.Prefix,
		preserveHost: rc.PreserveHost,
		replacement:  rc.Rewrite.Replacement,
	}

	for _, h := range rc.StripHeaders {
		r.strip = append(r.strip, http.CanonicalHeaderKey(h))
	}

	if rc.Dynamic {
		r.kind = Dynamic
		if len(rc.AllowedHosts) > 0 {
			r.allowedHosts = make(map[string]bool, len(rc.AllowedHosts))
			for _, h := range rc.AllowedHosts {
				r.allowedHosts[strings.ToLower(h)] = true
			}
		}
		return r, nil
	}

	u, err := url.Parse(rc.Target)
	if err != nil {
		return nil, fmt.Errorf("rule %s: parse target: %w", rc.Prefix, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("rule %s: target must be an absolute http(s) URL; got %q", rc.Prefix, rc.Target)
	}
	r.kind = Static
	r.target = u

	if rc.Rewrite.Pattern != "" {
		re, err := regexp.Compile(rc.Rewrite.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: compile rewrite: %w", rc.Prefix, err)
		}
		r.rewrite = re
	}

	return r, nil
}

// Prefix returns the path prefix the rule is mounted on.
func (r *Rule) Prefix() string { return r.prefix }

// Kind reports whether the rule is static or dynamic.
func (r *Rule) Kind() Kind { return r.kind }

// Target returns the configured static target, or "" for dynamic rules.
func (r *Rule) Target() string {
	if r.target == nil {
		return ""
	}
	return r.target.String()
}

// Resolve returns the outbound URL for an inbound request URI (escaped path
// plus optional query, as returned by url.URL.RequestURI).
func (r *Rule) Resolve(requestURI string) (*url.URL, error) {
	if r.kind == Static {
		return r.resolveStatic(requestURI)
	}

	u, err := ExtractTarget(r.prefix, requestURI)
	if err != nil {
		return nil, err
	}
	if r.allowedHosts != nil && !r.allowedHosts[strings.ToLower(u.Hostname())] {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotAllowed, u.Hostname())
	}
	return u, nil
}

// ExtractTarget strips prefix from requestURI, percent-decodes the rest and
// parses it as an absolute http or https URL. Any failure wraps
// ErrInvalidTargetURL. The fragment, if any, is dropped.
func ExtractTarget(prefix, requestURI string) (*url.URL, error) {
	rest, ok := strings.CutPrefix(requestURI, prefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q does not start with %q", ErrInvalidTargetURL, requestURI, prefix)
	}

	raw, err := url.PathUnescape(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidTargetURL, err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTargetURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidTargetURL, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTargetURL, u.Scheme)
	}

	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

func (r *Rule) resolveStatic(requestURI string) (*url.URL, error) {
	path, query, _ := strings.Cut(requestURI, "?")

	if r.rewrite != nil {
		if loc := r.rewrite.FindStringSubmatchIndex(path); loc != nil {
			repl := r.rewrite.ExpandString(nil, r.replacement, path, loc)
			path = path[:loc[0]] + string(repl) + path[loc[1]:]
		}
	}

	escaped := joinPath(r.target.EscapedPath(), path)
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, fmt.Errorf("%w: rewritten path %q: %w", ErrInvalidTargetURL, escaped, err)
	}

	out := *r.target
	out.Path = unescaped
	out.RawPath = escaped
	switch {
	case out.RawQuery == "":
		out.RawQuery = query
	case query != "":
		out.RawQuery = out.RawQuery + "&" + query
	}
	out.Fragment = ""
	out.RawFragment = ""
	return &out, nil
}

// joinPath joins two escaped path fragments with exactly one slash.
func joinPath(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// OutboundHeader returns a copy of src with hop-by-hop headers, Origin,
// Referer, and the rule's strip_headers removed.
func (r *Rule) OutboundHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	sanitize.HopByHop(dst)
	for _, h := range alwaysStripped {
		dst.Del(h)
	}
	for _, h := range r.strip {
		dst.Del(h)
	}
	return dst
}

// OutboundHost returns the Host header value for a request forwarded to
// target. Dynamic rules always use the target host.
func (r *Rule) OutboundHost(target *url.URL, inboundHost string) string {
	if r.preserveHost && inboundHost != "" {
		return inboundHost
	}
	return target.Host
}
