package dict

import (
	"context"
	"testing"
)

func TestParseInline(t *testing.T) {
	m, err := ParseInline("test", "{a=1, b=2, c={nested=yes}}")
	if err != nil {
		t.Fatalf("ParseInline: %v", err)
	}

	cases := []struct {
		key, want string
		found     bool
	}{
		{"a", "1", true},
		{"b", "2", true},
		{"c", "{nested=yes}", true},
		{"missing", "", false},
	}
	for _, c := range cases {
		v, ok, err := m.Lookup(context.Background(), c.key)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", c.key, err)
		}
		if ok != c.found || v != c.want {
			t.Errorf("Lookup(%q) = (%q, %v), want (%q, %v)", c.key, v, ok, c.want, c.found)
		}
	}
}

func TestPipeline(t *testing.T) {
	m1, _ := ParseInline("m1", "{a=b}")
	m2, _ := ParseInline("m2", "{b=c}")
	p := &Pipeline{Maps: []Map{m1, m2}}

	v, ok, err := p.Lookup(context.Background(), "a")
	if err != nil || !ok || v != "c" {
		t.Errorf("Lookup(a) = (%q, %v, %v), want (c, true, nil)", v, ok, err)
	}

	_, ok, err = p.Lookup(context.Background(), "missing")
	if err != nil || ok {
		t.Errorf("Lookup(missing) = (_, %v, %v), want (false, nil)", ok, err)
	}
}

func TestUnion(t *testing.T) {
	m1, _ := ParseInline("m1", "{a=x}")
	m2, _ := ParseInline("m2", "{a=y}")
	u := &Union{Maps: []Map{m1, m2}}

	v, ok, err := u.Lookup(context.Background(), "a")
	if err != nil || !ok || v != "x,y" {
		t.Errorf("Lookup(a) = (%q, %v, %v), want (x,y, true, nil)", v, ok, err)
	}
}

func TestStatic(t *testing.T) {
	s := &Static{Value: "smtp:relay.example"}
	v, ok, err := s.Lookup(context.Background(), "anything")
	if err != nil || !ok || v != "smtp:relay.example" {
		t.Errorf("Lookup = (%q, %v, %v)", v, ok, err)
	}
}

func TestFoldCase(t *testing.T) {
	m, _ := ParseInline("m", "{user=ok}")
	f := FoldCase{Map: m}

	v, ok, err := f.Lookup(context.Background(), "USER")
	if err != nil || !ok || v != "ok" {
		t.Errorf("Lookup(USER) = (%q, %v, %v), want (ok, true, nil)", v, ok, err)
	}
}

func TestSQLiteMap(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite("test", dir+"/test.db", "entries")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "a@example.com", "smtp:mx.example.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := s.Lookup(ctx, "a@example.com")
	if err != nil || !ok || v != "smtp:mx.example.com" {
		t.Errorf("Lookup = (%q, %v, %v)", v, ok, err)
	}

	_, ok, err = s.Lookup(ctx, "missing@example.com")
	if err != nil || ok {
		t.Errorf("Lookup(missing) = (_, %v, %v), want (false, nil)", ok, err)
	}

	if err := s.Delete(ctx, "a@example.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, _ = s.Lookup(ctx, "a@example.com")
	if ok {
		t.Error("expected a@example.com to be gone after Delete")
	}
}

func TestSQLiteRebuild(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite("test", dir+"/test.db", "entries")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	s.Set(ctx, "stale", "v")

	if err := s.Rebuild(ctx, map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if _, ok, _ := s.Lookup(ctx, "stale"); ok {
		t.Error("Rebuild should have dropped 'stale'")
	}
	if v, ok, _ := s.Lookup(ctx, "a"); !ok || v != "1" {
		t.Errorf("Lookup(a) = (%q, %v)", v, ok)
	}
}
