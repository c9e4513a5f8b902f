package rewrite

import (
	"context"
	"testing"

	"posthorn.example/posthorn/internal/dict"
)

func TestCanonicalizeBasic(t *testing.T) {
	r := &Rewriter{Postmaster: "postmaster"}
	res, err := r.Canonicalize(context.Background(), "User@Example.com", Options{})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if res.Address == "" {
		t.Errorf("got empty address")
	}
}

func TestCanonicalizeExtension(t *testing.T) {
	r := &Rewriter{ExtensionSeparators: "+", Postmaster: "postmaster"}

	res, err := r.Canonicalize(context.Background(), "user+bugs@example.com", Options{StripExtension: true})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if res.Extension != "bugs" {
		t.Errorf("Extension = %q, want bugs", res.Extension)
	}
	if res.Address != "user@example.com" {
		t.Errorf("Address = %q, want user@example.com", res.Address)
	}
}

func TestCanonicalizeExtensionNotStripped(t *testing.T) {
	r := &Rewriter{ExtensionSeparators: "+", Postmaster: "postmaster"}

	res, err := r.Canonicalize(context.Background(), "user+bugs@example.com", Options{StripExtension: false})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if res.Extension != "bugs" {
		t.Errorf("Extension = %q, want bugs", res.Extension)
	}
	if res.Address != "user+bugs@example.com" {
		t.Errorf("Address = %q, want user+bugs@example.com unchanged", res.Address)
	}
}

func TestCanonicalizeBangpath(t *testing.T) {
	r := &Rewriter{SwapBangpath: true, Postmaster: "postmaster"}
	res, err := r.Canonicalize(context.Background(), "host!user", Options{})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if res.Address != "user@host" {
		t.Errorf("Address = %q, want user@host", res.Address)
	}
}

func TestCanonicalizePercentHack(t *testing.T) {
	r := &Rewriter{PercentHack: true, Postmaster: "postmaster"}
	res, err := r.Canonicalize(context.Background(), "user%host", Options{})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if res.Address != "user@host" {
		t.Errorf("Address = %q, want user@host", res.Address)
	}
}

func TestCanonicalizeMasquerade(t *testing.T) {
	r := &Rewriter{
		Postmaster:        "postmaster",
		MasqueradeParents: []string{"internal.example.com"},
		MasqueradeDomain:  "example.com",
	}
	res, err := r.Canonicalize(context.Background(), "user@mail.internal.example.com", Options{})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if res.Address != "user@example.com" {
		t.Errorf("Address = %q, want user@example.com", res.Address)
	}
}

func TestCanonicalizeEmptyLocalPart(t *testing.T) {
	r := &Rewriter{Postmaster: "postmaster"}
	res, err := r.Canonicalize(context.Background(), "@example.com", Options{})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if res.Address != "postmaster@example.com" {
		t.Errorf("Address = %q, want postmaster@example.com", res.Address)
	}
}

func TestCanonicalizeAllWhitespace(t *testing.T) {
	r := &Rewriter{Postmaster: "postmaster"}
	if _, err := r.Canonicalize(context.Background(), "   ", Options{}); err != ErrAllWhitespace {
		t.Errorf("err = %v, want ErrAllWhitespace", err)
	}
}

func TestCanonicalizeCanonicalMapRedirect(t *testing.T) {
	m, err := dict.ParseInline("canon", "{user@example.com=@otherdomain.com}")
	if err != nil {
		t.Fatalf("ParseInline: %v", err)
	}
	r := &Rewriter{Postmaster: "postmaster", CommonCanonicalMap: m}

	res, err := r.Canonicalize(context.Background(), "user@example.com", Options{})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if res.Address != "user@otherdomain.com" {
		t.Errorf("Address = %q, want user@otherdomain.com", res.Address)
	}
}

func TestCanonicalizeSenderVsRecipientMap(t *testing.T) {
	senderMap, _ := dict.ParseInline("sender", "{user@example.com=sender-rewritten@example.com}")
	recipMap, _ := dict.ParseInline("recipient", "{user@example.com=recipient-rewritten@example.com}")
	r := &Rewriter{
		Postmaster:            "postmaster",
		SenderCanonicalMap:    senderMap,
		RecipientCanonicalMap: recipMap,
	}

	sres, _ := r.Canonicalize(context.Background(), "user@example.com", Options{IsSender: true})
	if sres.Address != "sender-rewritten@example.com" {
		t.Errorf("sender Address = %q", sres.Address)
	}

	rres, _ := r.Canonicalize(context.Background(), "user@example.com", Options{IsSender: false})
	if rres.Address != "recipient-rewritten@example.com" {
		t.Errorf("recipient Address = %q", rres.Address)
	}
}
