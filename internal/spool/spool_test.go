package spool

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestCreateAndPath(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f, err := s.Create(Incoming, "abcdef123")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.WriteString("hello")
	f.Close()

	if _, err := os.Stat(s.Path(Incoming, "abcdef123")); err != nil {
		t.Errorf("item file not found at expected path: %v", err)
	}
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)

	f, _ := s.Create(Incoming, "xyz987")
	f.Close()

	if err := s.Move(Incoming, Active, "xyz987"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if _, err := os.Stat(s.Path(Incoming, "xyz987")); !os.IsNotExist(err) {
		t.Errorf("expected item gone from incoming")
	}
	if _, err := os.Stat(s.Path(Active, "xyz987")); err != nil {
		t.Errorf("expected item present in active: %v", err)
	}
}

func TestOpenLocking(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)

	f, _ := s.Create(Incoming, "lock1")
	f.Close()

	f1, err := s.Open(Incoming, "lock1", true)
	if err != nil {
		t.Fatalf("Open exclusive: %v", err)
	}
	defer f1.Close()

	if _, err := s.Open(Incoming, "lock1", true); err == nil {
		t.Errorf("expected second exclusive Open to fail while first lock held")
	}
}

func TestEnumerateByTime(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)

	f, _ := s.Create(Deferred, "old1")
	f.Close()
	old := time.Now().Add(-time.Hour)
	s.SetRetryTime(Deferred, "old1", old)

	f2, _ := s.Create(Deferred, "future1")
	f2.Close()
	s.SetRetryTime(Deferred, "future1", time.Now().Add(time.Hour))

	ids, err := s.Enumerate(context.Background(), Deferred, time.Now())
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old1" {
		t.Errorf("Enumerate = %v, want [old1]", ids)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)

	f, _ := s.Create(Hold, "r1")
	f.Close()

	if err := s.Remove(Hold, "r1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(s.Path(Hold, "r1")); !os.IsNotExist(err) {
		t.Errorf("expected item removed")
	}
}
