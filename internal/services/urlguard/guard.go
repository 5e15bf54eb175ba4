package urlguard

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"
)

// ParsedURL is the admitted, canonical form of an input URL. Normalized is
// the deduplication key: lowercased scheme and host, default port stripped,
// sorted query, fragment dropped, trailing slash collapsed on non-root paths.
type ParsedURL struct {
	Original   string
	Normalized string
	Scheme     string
	Host       string // hostname without port
	Domain     string // host minus a leading "www."
	Port       string
	Path       string
	Query      string
}

// String returns the normalized form.
func (p *ParsedURL) String() string {
	return p.Normalized
}

// Resolver is the DNS lookup the guard performs before admitting a host.
// *net.Resolver satisfies it; tests substitute a stub.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard admits only URLs that are syntactically valid, use a supported
// scheme, and resolve to a public address.
type Guard struct {
	logger   arbor.ILogger
	resolver Resolver
}

// New creates a Guard using the system resolver.
func New(logger arbor.ILogger) *Guard {
	return &Guard{
		logger:   logger,
		resolver: net.DefaultResolver,
	}
}

// NewWithResolver creates a Guard with a custom resolver.
func NewWithResolver(logger arbor.ILogger, resolver Resolver) *Guard {
	return &Guard{
		logger:   logger,
		resolver: resolver,
	}
}

// ValidateSyntactic checks and normalizes the input without touching the
// network. A missing scheme defaults to https.
func (g *Guard) ValidateSyntactic(input string) (*ParsedURL, error) {
	original := input
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidSyntax)
	}

	if !strings.Contains(input, "://") {
		input = "https://" + input
	}

	u, err := url.Parse(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSyntax, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrDisallowedScheme, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidSyntax)
	}

	if IsBlockedHostname(host) {
		return nil, fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}

	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if ip.IsLoopback() || ip.IsUnspecified() {
			return nil, fmt.Errorf("%w: %s", ErrBlockedHost, host)
		}
		if IsBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrPrivateAddress, host)
		}
	}

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	parsed := &ParsedURL{
		Original: original,
		Scheme:   scheme,
		Host:     host,
		Domain:   strings.TrimPrefix(host, "www."),
		Port:     port,
		Path:     normalizePath(u.EscapedPath()),
		Query:    sortQuery(u.RawQuery),
	}
	parsed.Normalized = buildNormalized(parsed)

	return parsed, nil
}

// ValidateWithDNS performs syntactic validation and then resolves the host,
// rejecting it if any resolved address falls in a blocked range.
func (g *Guard) ValidateWithDNS(ctx context.Context, input string) (*ParsedURL, error) {
	parsed, err := g.ValidateSyntactic(input)
	if err != nil {
		return nil, err
	}

	// IP-literal hosts were already range-checked.
	if ip := net.ParseIP(strings.Trim(parsed.Host, "[]")); ip != nil {
		return parsed, nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, parsed.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDNSFailure, parsed.Host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s resolved to no addresses", ErrDNSFailure, parsed.Host)
	}

	for _, addr := range addrs {
		if IsBlockedIP(addr.IP) {
			g.logger.Warn().
				Str("host", parsed.Host).
				Str("resolved", addr.IP.String()).
				Msg("Host resolved to a blocked address")
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrPrivateAddress, parsed.Host, addr.IP)
		}
	}

	return parsed, nil
}

// Schemes that never lead to scannable HTML.
var skipSchemes = map[string]struct{}{
	"mailto":     {},
	"tel":        {},
	"javascript": {},
	"data":       {},
	"ftp":        {},
	"vbscript":   {},
}

// Extensions that never lead to scannable HTML: documents, archives, media,
// images, fonts, scripts/styles, binaries.
var skipExtensions = map[string]struct{}{
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".ppt": {}, ".pptx": {}, ".odt": {}, ".rtf": {},
	".zip": {}, ".rar": {}, ".7z": {}, ".tar": {}, ".gz": {}, ".bz2": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {}, ".flv": {},
	".webm": {}, ".mkv": {}, ".wav": {}, ".ogg": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {}, ".webp": {},
	".ico": {}, ".bmp": {}, ".tif": {}, ".tiff": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
	".js": {}, ".mjs": {}, ".css": {}, ".map": {},
	".exe": {}, ".dmg": {}, ".apk": {}, ".iso": {}, ".bin": {}, ".msi": {},
}

// ShouldSkipURL reports whether the href can never yield a scannable HTML
// page: non-HTML schemes, anchor-only links, and skip-listed extensions.
func (g *Guard) ShouldSkipURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	if strings.HasPrefix(raw, "#") {
		return true
	}

	if idx := strings.Index(raw, ":"); idx > 0 && !strings.HasPrefix(raw[idx:], "://") {
		scheme := strings.ToLower(raw[:idx])
		if _, ok := skipSchemes[scheme]; ok {
			return true
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	if u.Scheme != "" {
		if _, ok := skipSchemes[strings.ToLower(u.Scheme)]; ok {
			return true
		}
	}

	ext := strings.ToLower(path.Ext(u.Path))
	if _, ok := skipExtensions[ext]; ok {
		return true
	}

	return false
}

// SameDomain reports whether two URLs share a domain, www-insensitive and
// case-insensitive.
func (g *Guard) SameDomain(u1, u2 string) bool {
	p1, err := g.ValidateSyntactic(u1)
	if err != nil {
		return false
	}
	p2, err := g.ValidateSyntactic(u2)
	if err != nil {
		return false
	}
	return p1.Domain == p2.Domain
}

// ResolveRelative resolves href against base and returns the normalized
// absolute URL. The second return is false when the href is skipped, uses a
// disallowed scheme, fails validation, or (with sameDomainOnly) leaves the
// base domain.
func (g *Guard) ResolveRelative(base *ParsedURL, href string, sameDomainOnly bool) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || g.ShouldSkipURL(href) {
		return "", false
	}

	baseURL, err := url.Parse(base.Normalized)
	if err != nil {
		return "", false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}

	abs := baseURL.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}

	resolved, err := g.ValidateSyntactic(abs.String())
	if err != nil {
		return "", false
	}

	if sameDomainOnly && resolved.Domain != base.Domain {
		return "", false
	}

	return resolved.Normalized, true
}

// normalizePath collapses the trailing slash on non-root paths; an empty
// path becomes "/". Idempotent by construction.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if p != "/" && strings.HasSuffix(p, "/") {
		return strings.TrimRight(p, "/")
	}
	return p
}

// sortQuery re-encodes the query with keys in sorted order so equivalent
// URLs compare equal.
func sortQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sorted := url.Values{}
	for _, k := range keys {
		sorted[k] = values[k]
	}
	return sorted.Encode()
}

func buildNormalized(p *ParsedURL) string {
	host := p.Host
	if strings.Contains(host, ":") {
		// IPv6 literals keep their brackets in URL position.
		host = "[" + host + "]"
	}

	var b strings.Builder
	b.WriteString(p.Scheme)
	b.WriteString("://")
	b.WriteString(host)
	if p.Port != "" {
		b.WriteString(":")
		b.WriteString(p.Port)
	}
	b.WriteString(p.Path)
	if p.Query != "" {
		b.WriteString("?")
		b.WriteString(p.Query)
	}
	return b.String()
}
