// Package target maps inbound request paths onto upstream origin URLs.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"markproxy/internal/config"
)

var (
	// ErrNoTarget means the path is not proxy-bound. It is not a failure.
	ErrNoTarget = errors.New("no proxy rule matches path")
	// ErrInvalidTarget means a rule matched but the resulting URL is malformed.
	ErrInvalidTarget = errors.New("invalid target URL")
)

// Rule maps an inbound path prefix onto an upstream origin.
type Rule struct {
	Prefix string
	Origin *url.URL
}

// Resolver turns inbound paths into upstream target URLs.
// Rules are static after construction; the only mutable state is the
// one-shot landing flag, which is safe for concurrent use.
type Resolver struct {
	rules       []Rule
	primary     *url.URL
	landingPath string
	landingMode string
	catchAll    bool

	landed atomic.Bool
}

// NewResolver builds a Resolver from the proxy section of the config.
func NewResolver(cfg *config.Config) (*Resolver, error) {
	primary, err := parseOrigin(cfg.Proxy.PrimaryOrigin)
	if err != nil {
		return nil, fmt.Errorf("parse primary origin: %w", err)
	}

	rules := make([]Rule, 0, len(cfg.Proxy.Rules))
	for _, rc := range cfg.Proxy.Rules {
		origin, err := parseOrigin(rc.Origin)
		if err != nil {
			return nil, fmt.Errorf("parse origin for prefix %q: %w", rc.Prefix, err)
		}
		rules = append(rules, Rule{Prefix: rc.Prefix, Origin: origin})
	}

	mode := cfg.Proxy.LandingMode
	if mode == "" {
		mode = config.LandingFirst
	}

	return &Resolver{
		rules:       rules,
		primary:     primary,
		landingPath: strings.TrimSuffix(cfg.Proxy.LandingPath, "/"),
		landingMode: mode,
		catchAll:    cfg.Proxy.IsCatchAll(),
	}, nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must have scheme and host", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// Resolve maps an escaped request path and raw query onto an upstream URL.
//
// The first rule whose prefix matches whole path segments wins; the prefix is
// stripped and the remainder appended to that rule's origin. Unmatched paths go
// to the primary origin when catch-all is enabled, and return ErrNoTarget
// otherwise.
func (r *Resolver) Resolve(escapedPath, rawQuery string) (*url.URL, error) {
	// Consumed by every call, matched or not, so only the very first request
	// in the process can observe the landing branch.
	first := r.landed.CompareAndSwap(false, true)

	for _, rule := range r.rules {
		if rest, ok := stripPrefix(escapedPath, rule.Prefix); ok {
			return build(rule.Origin, rest, rawQuery)
		}
	}

	if !r.catchAll {
		return nil, ErrNoTarget
	}

	path := escapedPath
	if r.useLanding(first) {
		path = r.landingPath + escapedPath
	}
	return build(r.primary, path, rawQuery)
}

func (r *Resolver) useLanding(first bool) bool {
	if r.landingPath == "" {
		return false
	}
	switch r.landingMode {
	case config.LandingAlways:
		return true
	case config.LandingNever:
		return false
	default:
		return first
	}
}

// stripPrefix reports whether prefix matches path on segment boundaries,
// ignoring case, and returns the remainder verbatim.
func stripPrefix(path, prefix string) (string, bool) {
	if len(path) < len(prefix) || !strings.EqualFold(path[:len(prefix)], prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	if rest != "" && rest[0] != '/' {
		return "", false
	}
	return rest, true
}

func build(origin *url.URL, escapedPath, rawQuery string) (*url.URL, error) {
	raw := origin.Scheme + "://" + origin.Host + escapedPath
	if rawQuery != "" {
		raw += "?" + rawQuery
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if u.Host != origin.Host {
		// Paths that do not start with "/" (e.g. "*") can bleed into the authority.
		return nil, fmt.Errorf("%w: host changed to %q", ErrInvalidTarget, u.Host)
	}
	return u, nil
}

// Rules returns the configured prefix rules in declared order.
func (r *Resolver) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Prefixes returns the configured path prefixes in declared order.
func (r *Resolver) Prefixes() []string {
	out := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.Prefix)
	}
	return out
}

// Primary returns the primary origin.
func (r *Resolver) Primary() *url.URL {
	u := *r.primary
	return &u
}
