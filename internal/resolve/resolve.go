// Package resolve implements address resolution: turning an internalized
// address into a (transport, nexthop, rewritten-recipient) triple, per
// spec.md §4.D.
//
// It is built directly on top of internal/rewrite (canonicalization),
// internal/set (local-domain membership, the same role internal/aliases'
// locals set plays), and internal/dict (the transport table), so a
// transient table failure surfaces as dict.ErrTryAgain rather than being
// guessed around.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"

	"posthorn.example/posthorn/internal/dict"
	"posthorn.example/posthorn/internal/rewrite"
	"posthorn.example/posthorn/internal/set"
)

// ErrTryAgain is returned when a table lookup failed transiently; it wraps
// dict.ErrTryAgain so callers can match on either.
var ErrTryAgain = fmt.Errorf("resolve: %w", dict.ErrTryAgain)

// Result is the outcome of resolving one address.
type Result struct {
	Transport string
	Nexthop   string
	Recipient string // rewritten address to hand to the delivery agent
}

// Resolver holds the configuration a Resolve call needs.
type Resolver struct {
	Rewriter *rewrite.Rewriter

	// Locals is the set of domains this installation delivers locally.
	Locals *set.String

	// Transports maps a domain (or, if ParentDomainMatch, a parent domain)
	// to a "transport:nexthop" string, e.g. "smtp:mx.example.com". A
	// missing nexthop ("smtp:") means "use the domain itself as nexthop".
	Transports dict.Map

	// ParentDomainMatch allows a transport-table hit on a parent domain to
	// apply to a subdomain lookup, per spec.md §4.D step 5.
	ParentDomainMatch bool

	// DefaultTransport and DefaultNexthop apply when the domain isn't in
	// Transports. An empty DefaultNexthop means "use the domain itself".
	DefaultTransport string
	DefaultNexthop   string

	// LocalTransport is assigned when no domain remains (local delivery).
	LocalTransport string

	// MyHostname is appended ("@<myhostname>") to a fully local address
	// before handing it to the local-delivery transport.
	MyHostname string
}

// ErrAllWhitespace is returned for an empty or all-whitespace address.
var ErrAllWhitespace = rewrite.ErrAllWhitespace

// Resolve runs the six-step algorithm from spec.md §4.D.
func (r *Resolver) Resolve(ctx context.Context, addr string) (Result, error) {
	// Step 1: canonicalize.
	res, err := r.Rewriter.Canonicalize(ctx, addr, rewrite.Options{})
	if err != nil {
		return Result{}, err
	}
	cur := res.Address

	user, domain := splitAt(cur)

	// Step 2: strip trailing dot on the domain.
	domain = strings.TrimSuffix(domain, ".")

	// Step 3: while the domain resolves as local, strip it and retry with
	// the local part alone.
	for domain != "" && r.Locals.Has(domain) {
		user, domain = splitAt(user)
		domain = strings.TrimSuffix(domain, ".")
	}

	// Step 4: while a '%' or '!' remains in the local part, rewrite and
	// recanonicalize.
	for strings.ContainsAny(user, "%!") {
		rewritten := user
		if domain != "" {
			rewritten = user + "@" + domain
		}
		res, err := r.Rewriter.Canonicalize(ctx, rewritten, rewrite.Options{})
		if err != nil {
			return Result{}, err
		}
		newUser, newDomain := splitAt(res.Address)
		if newUser == user && newDomain == domain {
			// No progress; avoid looping forever on a pathological address.
			break
		}
		user, domain = newUser, strings.TrimSuffix(newDomain, ".")
		for domain != "" && r.Locals.Has(domain) {
			user, domain = splitAt(user)
			domain = strings.TrimSuffix(domain, ".")
		}
	}

	if domain != "" {
		return r.resolveDomain(ctx, user, domain)
	}

	// Step 6: no domain remains; local delivery.
	return Result{
		Transport: r.LocalTransport,
		Nexthop:   "",
		Recipient: user + "@" + r.MyHostname,
	}, nil
}

func (r *Resolver) resolveDomain(ctx context.Context, user, domain string) (Result, error) {
	// Normalize to ASCII (punycode) before any table lookup or use as a
	// nexthop, the same mustIDNAToASCII step queue.go applies before handing
	// a domain to a delivery agent.
	if ascii, err := idna.ToASCII(domain); err == nil {
		domain = ascii
	}

	// Step 5: consult the transport table, with optional parent-domain
	// matching.
	transport, nexthop, ok, err := r.lookupTransport(ctx, domain)
	if err != nil {
		if errors.Is(err, dict.ErrTryAgain) {
			return Result{}, ErrTryAgain
		}
		return Result{}, err
	}
	if !ok {
		transport = r.DefaultTransport
		nexthop = r.DefaultNexthop
	}
	if nexthop == "" {
		nexthop = domain
	}

	return Result{
		Transport: transport,
		Nexthop:   nexthop,
		Recipient: user + "@" + domain,
	}, nil
}

func (r *Resolver) lookupTransport(ctx context.Context, domain string) (transport, nexthop string, ok bool, err error) {
	if r.Transports == nil {
		return "", "", false, nil
	}

	v, found, err := r.Transports.Lookup(ctx, domain)
	if err != nil {
		return "", "", false, err
	}
	if !found && r.ParentDomainMatch {
		parts := strings.Split(domain, ".")
		for i := 1; i < len(parts)-1 && !found; i++ {
			parent := strings.Join(parts[i:], ".")
			v, found, err = r.Transports.Lookup(ctx, parent)
			if err != nil {
				return "", "", false, err
			}
		}
	}
	if !found {
		return "", "", false, nil
	}

	transport, nexthop = splitTransportValue(v)
	return transport, nexthop, true, nil
}

// splitTransportValue parses a "transport:nexthop" table value.
func splitTransportValue(v string) (transport, nexthop string) {
	i := strings.IndexByte(v, ':')
	if i < 0 {
		return v, ""
	}
	return v[:i], v[i+1:]
}

func splitAt(addr string) (string, string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}
