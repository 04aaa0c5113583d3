// Package keyspace builds and parses the Redis key namespace shared by every
// component: state, usage counters, action streams, response lists, and
// callback streams all live under one root prefix so that a single tenant's
// or service's footprint can be enumerated or wiped without touching another.
package keyspace

import (
	"fmt"
	"strings"
)

// Kind names one of the fixed categories of key this package produces.
type Kind string

const (
	KindActions   Kind = "actions"
	KindResponses Kind = "responses"
	KindCallbacks Kind = "callbacks"
	KindDLQ       Kind = "dlq"
	KindState     Kind = "state"
	KindUsage     Kind = "usage"
	KindRateLimit Kind = "ratelimit"
)

var validKinds = map[Kind]bool{
	KindActions:   true,
	KindResponses: true,
	KindCallbacks: true,
	KindDLQ:       true,
	KindState:     true,
	KindUsage:     true,
	KindRateLimit: true,
}

// Keyspace builds and parses keys rooted at a fixed prefix and environment.
// A zero Keyspace is not usable; construct one with New.
type Keyspace struct {
	root string
	env  string
}

// New returns a Keyspace rooted at root for the given environment. Neither
// may contain the ':' separator.
func New(root, env string) (*Keyspace, error) {
	if root == "" {
		return nil, fmt.Errorf("keyspace: root must not be empty")
	}
	if env == "" {
		return nil, fmt.Errorf("keyspace: env must not be empty")
	}
	if strings.Contains(root, ":") {
		return nil, fmt.Errorf("keyspace: root must not contain ':'")
	}
	if strings.Contains(env, ":") {
		return nil, fmt.Errorf("keyspace: env must not contain ':'")
	}
	return &Keyspace{root: root, env: env}, nil
}

// Key builds a key of the form <root>:<env>:<service>:<kind>[:<segment>...].
func (k *Keyspace) Key(service string, kind Kind, segments ...string) (string, error) {
	if service == "" {
		return "", fmt.Errorf("keyspace: service must not be empty")
	}
	if !validKinds[kind] {
		return "", fmt.Errorf("keyspace: unknown kind %q", kind)
	}
	if strings.Contains(service, ":") {
		return "", fmt.Errorf("keyspace: service must not contain ':'")
	}
	for _, s := range segments {
		if s == "" {
			return "", fmt.Errorf("keyspace: segment must not be empty")
		}
		if strings.Contains(s, ":") {
			return "", fmt.Errorf("keyspace: segment must not contain ':'")
		}
	}
	parts := append([]string{k.root, k.env, service, string(kind)}, segments...)
	return strings.Join(parts, ":"), nil
}

// MustKey is Key but panics on error. Intended for call sites building keys
// from compile-time-constant kinds where the only possible failure is a
// programmer error in the service or segment arguments.
func (k *Keyspace) MustKey(service string, kind Kind, segments ...string) string {
	key, err := k.Key(service, kind, segments...)
	if err != nil {
		panic(err)
	}
	return key
}

// Parsed is the decomposed form of a key built by Key.
type Parsed struct {
	Root     string
	Env      string
	Service  string
	Kind     Kind
	Segments []string
}

// Parse decomposes a key produced by Key back into its parts. It returns an
// error for any key that was not produced by this package, including keys
// from a different root or environment.
func (k *Keyspace) Parse(key string) (*Parsed, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 4 {
		return nil, fmt.Errorf("keyspace: malformed key %q: expected at least 4 colon-separated parts", key)
	}
	if parts[0] != k.root {
		return nil, fmt.Errorf("keyspace: key %q does not belong to root %q", key, k.root)
	}
	if parts[1] != k.env {
		return nil, fmt.Errorf("keyspace: key %q does not belong to env %q", key, k.env)
	}
	if parts[2] == "" {
		return nil, fmt.Errorf("keyspace: key %q has an empty service", key)
	}
	kind := Kind(parts[3])
	if !validKinds[kind] {
		return nil, fmt.Errorf("keyspace: key %q has unknown kind %q", key, kind)
	}
	for _, seg := range parts[4:] {
		if seg == "" {
			return nil, fmt.Errorf("keyspace: key %q has an empty segment", key)
		}
	}
	p := &Parsed{
		Root:    parts[0],
		Env:     parts[1],
		Service: parts[2],
		Kind:    kind,
	}
	if len(parts) > 4 {
		p.Segments = parts[4:]
	}
	return p, nil
}

// Prefix builds a scan-safe prefix for every key of a given service and kind,
// suitable for SCAN MATCH <prefix>* (never for KEYS or a blocking pattern).
func (k *Keyspace) Prefix(service string, kind Kind) (string, error) {
	return k.Key(service, kind)
}
