package fsutil

import (
	"os"
	"testing"
)

func openTemp(t *testing.T) *Dir {
	t.Helper()
	path := t.TempDir()
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestWriteReadLine(t *testing.T) {
	d := openTemp(t)

	if err := d.WriteLine("hostname", "abcdefghijklmnop.onion"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}

	got, err := d.ReadLine("hostname", 64)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if got != "abcdefghijklmnop.onion" {
		t.Errorf("ReadLine = %q, want %q", got, "abcdefghijklmnop.onion")
	}
}

func TestReadLineRejectsTrailingGarbage(t *testing.T) {
	d := openTemp(t)

	path := d.Path() + "/bad"
	if err := os.WriteFile(path, []byte("abc\ndef\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := d.ReadLine("bad", 64); err == nil {
		t.Error("ReadLine on multi-line file should fail, got nil error")
	}
}

func TestCreateEmptyAndExists(t *testing.T) {
	d := openTemp(t)

	if d.Exists("peer.req") {
		t.Fatal("peer.req should not exist yet")
	}
	if err := d.CreateEmpty("peer.req"); err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	if !d.Exists("peer.req") {
		t.Error("peer.req should exist after CreateEmpty")
	}
}

func TestMkdirIdempotent(t *testing.T) {
	d := openTemp(t)

	if err := d.Mkdir("sub.new"); err != nil {
		t.Fatalf("first Mkdir: %v", err)
	}
	if err := d.Mkdir("sub.new"); err != nil {
		t.Fatalf("second Mkdir (EEXIST) should be tolerated: %v", err)
	}
}

func TestRenameAndOpenDir(t *testing.T) {
	d := openTemp(t)

	if err := d.Mkdir("m.new"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := d.Rename("m.new", "m"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	sub, err := d.OpenDir("m")
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer sub.Close()
}

func TestLinkExistingFails(t *testing.T) {
	d := openTemp(t)

	if err := d.CreateEmpty("peer.ok"); err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	if err := d.Link("peer.ok", "recv.req"); err != nil {
		t.Fatalf("first Link: %v", err)
	}
	if err := d.Link("peer.ok", "recv.req"); err == nil {
		t.Error("second Link to same name should fail with EEXIST")
	} else if !os.IsExist(err) {
		t.Errorf("second Link error should be ErrExist, got %v", err)
	}
}

func TestTryLockExclusive(t *testing.T) {
	path := t.TempDir()

	d1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d1.Close()

	locked, err := d1.TryLock()
	if err != nil || !locked {
		t.Fatalf("first TryLock: locked=%v err=%v", locked, err)
	}

	d2, err := Open(path)
	if err != nil {
		t.Fatalf("Open second handle: %v", err)
	}
	defer d2.Close()

	locked2, err := d2.TryLock()
	if err != nil {
		t.Fatalf("second TryLock: %v", err)
	}
	if locked2 {
		t.Error("second TryLock on already-locked dir should report busy (false), got true")
	}
}

func TestTouch(t *testing.T) {
	d := openTemp(t)
	if err := d.Touch(); err != nil {
		t.Fatalf("Touch: %v", err)
	}
}
