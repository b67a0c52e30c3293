package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

var (
	errOriginMissing = errors.New("missing origin")
	errNoAllowlist   = errors.New("origin not allowed (no allowlist)")
)

// originPolicy gates the handshake on the browser Origin. An entry matches the
// full origin, or any origin on the same host, so "http://localhost:5173" also
// admits a dev server on another port.
type originPolicy struct {
	required bool
	anyHost  bool
	origins  map[string]struct{}
	hosts    map[string]struct{}
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{
		required: required,
		origins:  make(map[string]struct{}, len(allowed)),
		hosts:    make(map[string]struct{}, len(allowed)),
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		switch a {
		case "":
			continue
		case "*":
			p.anyHost = true
			continue
		}
		p.origins[a] = struct{}{}
		if h := originHost(a); h != "" {
			p.hosts[h] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) check(origin string) error {
	origin = strings.ToLower(strings.TrimSpace(origin))
	if origin == "" {
		if p.required {
			return errOriginMissing
		}
		return nil
	}
	if p.anyHost {
		return nil
	}
	if len(p.origins) == 0 {
		return errNoAllowlist
	}
	if _, ok := p.origins[origin]; ok {
		return nil
	}
	if _, ok := p.hosts[originHost(origin)]; ok {
		return nil
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// acceptPatterns feeds websocket.AcceptOptions.OriginPatterns, which Accept
// matches against the origin host for cross-origin requests.
func (p originPolicy) acceptPatterns() []string {
	if p.anyHost {
		return []string{"*"}
	}
	out := make([]string, 0, len(p.hosts))
	for h := range p.hosts {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// originHost returns the lowercased host of an origin or bare host[:port], without the port.
func originHost(s string) string {
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(strings.TrimSpace(s))
}
