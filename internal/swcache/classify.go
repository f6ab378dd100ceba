package swcache

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gobwas/glob"
)

// Kind is the classification of an intercepted request.
type Kind int

const (
	KindOther Kind = iota
	KindStaticAsset
	KindExternalResource
	KindNavigation
)

func (k Kind) String() string {
	switch k {
	case KindStaticAsset:
		return "static-asset"
	case KindExternalResource:
		return "external-resource"
	case KindNavigation:
		return "navigation"
	default:
		return "other"
	}
}

type classRule struct {
	kind  Kind
	match func(*Request) bool
}

// Classifier maps requests to a Kind by walking an ordered rule list; the
// first matching rule wins. Static assets are checked before external
// resources, so an allow-listed cross-origin stylesheet is a static asset.
type Classifier struct {
	rules []classRule
	hosts []glob.Glob
}

func NewClassifier(s Settings) (*Classifier, error) {
	hosts, err := compileAllowlist(s.AllowlistHosts)
	if err != nil {
		return nil, err
	}
	exts := append([]string(nil), s.StaticExtensions...)
	origin := originOf(s.Origin)

	return &Classifier{rules: []classRule{
		{KindStaticAsset, func(r *Request) bool { return isStaticAsset(r, exts) }},
		{KindExternalResource, func(r *Request) bool { return isExternalResource(r, origin, hosts) }},
		{KindNavigation, isNavigation},
	}, hosts: hosts}, nil
}

// AllowsHost reports whether host (without port) is on the cross-origin
// allow-list.
func (c *Classifier) AllowsHost(host string) bool {
	return matchHost(c.hosts, host)
}

// Classify returns the kind of r. Callers filter non-GET requests before
// classification.
func (c *Classifier) Classify(r *Request) Kind {
	for _, rule := range c.rules {
		if rule.match(r) {
			return rule.kind
		}
	}
	return KindOther
}

func isStaticAsset(r *Request, exts []string) bool {
	if r.Method != http.MethodGet {
		return false
	}
	p := r.URL.Path
	if p == "/" || p == "" {
		return true
	}
	for _, ext := range exts {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

func isExternalResource(r *Request, origin string, hosts []glob.Glob) bool {
	if r.Origin() == origin {
		return false
	}
	return matchHost(hosts, r.URL.Hostname())
}

func matchHost(hosts []glob.Glob, host string) bool {
	host = strings.ToLower(host)
	for _, g := range hosts {
		if g.Match(host) {
			return true
		}
	}
	return false
}

func isNavigation(r *Request) bool {
	return r.Mode == "navigate"
}

func compileAllowlist(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for i, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("[%d] %q: %w", i, p, err)
		}
		out = append(out, g)
	}
	return out, nil
}
