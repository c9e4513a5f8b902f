// Package rewrite implements address canonicalization: parsing an address
// into local-part and domain, applying bangpath/percent-hack rewriting,
// recipient-extension stripping, masquerade domain stripping, and the
// canonical/sender-canonical/recipient-canonical map chain, in the fixed
// order spec.md §4.C requires.
//
// Tokenization is grounded on internal/envelope.Split; PRECIS
// canonicalization reuses internal/normalize exactly as it already wraps
// golang.org/x/text/secure/precis. Extension stripping generalizes
// internal/aliases' removeAllAfter/removeChars, returning the stripped
// extension instead of discarding it.
package rewrite

import (
	"context"
	"fmt"
	"strings"

	"posthorn.example/posthorn/internal/dict"
	"posthorn.example/posthorn/internal/envelope"
	"posthorn.example/posthorn/internal/normalize"
)

// Options configures a single Canonicalize call. A Rewriter holds the
// defaults; per-call Options let resolve and cleanup override call-specific
// bits (e.g. whether this is a sender or recipient address) without
// constructing a new Rewriter.
type Options struct {
	// StripExtension requests that a recipient-delimiter extension
	// (user+ext@dom) be removed from the local part. The removed extension
	// is returned separately in Result.Extension regardless of this flag's
	// value; this flag only controls whether it's removed from Address.
	StripExtension bool

	// IsSender selects which of SenderCanonicalMap / RecipientCanonicalMap
	// applies, after CommonCanonicalMap.
	IsSender bool
}

// Result is the outcome of canonicalizing one address.
type Result struct {
	Address   string // canonical internal-form address
	Extension string // stripped recipient-delimiter extension, if any
}

// Rewriter holds the configuration shared across calls to Canonicalize.
type Rewriter struct {
	// SwapBangpath rewrites "host!user" (no "@") to "user@host".
	SwapBangpath bool

	// PercentHack rewrites the rightmost "%" to "@" when no "@" is present.
	PercentHack bool

	// ExtensionSeparators are the characters that introduce a recipient
	// extension, e.g. "+". Checked against the local part left-to-right;
	// the first separator found wins, matching aliases.removeAllAfter.
	ExtensionSeparators string

	// DropCharacters are characters removed wholesale from the local part
	// (e.g. "." so "us.er" becomes "user").
	DropCharacters string

	// MasqueradeParents lists domains (or parent domains, matched as exact
	// or subdomain) whose mail should appear to originate from
	// MasqueradeDomain instead.
	MasqueradeParents []string
	MasqueradeDomain  string

	// CommonCanonicalMap, SenderCanonicalMap, and RecipientCanonicalMap are
	// consulted in that fixed order. Any may be nil to skip that step. A
	// result beginning with "@" prepends the address's own local part
	// (spec.md §4.C step 6), matching how Postfix-style canonical maps let
	// a rule rewrite "anyone@thisdomain" to "@otherdomain" and have it mean
	// "anyone@otherdomain".
	CommonCanonicalMap    dict.Map
	SenderCanonicalMap    dict.Map
	RecipientCanonicalMap dict.Map

	// Postmaster is substituted for an empty local part (spec.md §4.C: "the
	// rewriter ... never returns empty strings silently").
	Postmaster string
}

// ErrAllWhitespace is returned when the address is empty or all whitespace.
var ErrAllWhitespace = fmt.Errorf("rewrite: address is empty or all whitespace")

// Canonicalize runs the ordered rewriting pipeline from spec.md §4.C and
// returns the canonical internal-form address. It is total: every
// non-whitespace input yields a Result or a structured error, and an empty
// local part is replaced with the configured postmaster-equivalent rather
// than returned as an empty string.
func (r *Rewriter) Canonicalize(ctx context.Context, addr string, opts Options) (Result, error) {
	if strings.TrimSpace(addr) == "" {
		return Result{}, ErrAllWhitespace
	}

	// Step 1: tokenize local-part + domain.
	user, domain := envelope.Split(addr)

	// Step 2: bangpath.
	if r.SwapBangpath && domain == "" && strings.Contains(user, "!") {
		i := strings.LastIndex(user, "!")
		host, rest := user[:i], user[i+1:]
		user, domain = rest, host
	}

	// Step 3: percent hack.
	if r.PercentHack && domain == "" {
		if i := strings.LastIndex(user, "%"); i >= 0 {
			domain = user[i+1:]
			user = user[:i]
		}
	}

	// Step 4: strip extension, always computing it, only removing it from
	// the address when requested.
	ext := ""
	if sep, i := firstSeparator(user, r.ExtensionSeparators); sep != 0 {
		ext = user[i+1:]
		if opts.StripExtension {
			user = user[:i]
		}
	}

	// Drop characters wholesale (e.g. "." in "us.er").
	user = removeChars(user, r.DropCharacters)

	// PRECIS case-mapping, same as internal/normalize already does for
	// aliases lookups.
	if normUser, err := normalize.User(user); err == nil {
		user = normUser
	}

	// Step 5: masquerade domain stripping.
	domain = r.maybeMasquerade(domain)

	if user == "" {
		user = r.Postmaster
	}

	addrNow := user
	if domain != "" {
		addrNow = user + "@" + domain
	}

	// Step 6: canonical maps, in fixed order.
	addrNow, err := r.applyCanon(ctx, r.CommonCanonicalMap, addrNow)
	if err != nil {
		return Result{}, err
	}
	if opts.IsSender {
		addrNow, err = r.applyCanon(ctx, r.SenderCanonicalMap, addrNow)
	} else {
		addrNow, err = r.applyCanon(ctx, r.RecipientCanonicalMap, addrNow)
	}
	if err != nil {
		return Result{}, err
	}

	return Result{Address: addrNow, Extension: ext}, nil
}

func (r *Rewriter) maybeMasquerade(domain string) string {
	if domain == "" || r.MasqueradeDomain == "" {
		return domain
	}
	for _, parent := range r.MasqueradeParents {
		if domain == parent || strings.HasSuffix(domain, "."+parent) {
			return r.MasqueradeDomain
		}
	}
	return domain
}

func (r *Rewriter) applyCanon(ctx context.Context, m dict.Map, addr string) (string, error) {
	if m == nil {
		return addr, nil
	}
	v, ok, err := m.Lookup(ctx, addr)
	if err != nil {
		return "", err
	}
	if !ok {
		return addr, nil
	}
	if strings.HasPrefix(v, "@") {
		// "@otherdomain" means "keep my local part, use otherdomain".
		user, _ := envelope.Split(addr)
		return user + v, nil
	}
	return v, nil
}

// firstSeparator finds the first occurrence, in s, of any character in
// seps, scanning left to right (matching aliases.removeAllAfter's
// per-separator, leftmost-wins behavior).
func firstSeparator(s, seps string) (byte, int) {
	best := -1
	var bestSep byte
	for i := 0; i < len(seps); i++ {
		if idx := strings.IndexByte(s, seps[i]); idx >= 0 && (best == -1 || idx < best) {
			best = idx
			bestSep = seps[i]
		}
	}
	if best == -1 {
		return 0, -1
	}
	return bestSep, best
}

func removeChars(s, chars string) string {
	if chars == "" {
		return s
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(chars, r) {
			return -1
		}
		return r
	}, s)
}
