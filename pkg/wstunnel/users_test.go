package wstunnel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/logger"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

const testAuthFile = `# test users
alice:secret
bob:hunter2 ^example\.com:80$ ^10\.0\.0\.\d+:22$
`

func writeAuthFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "users")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing auth file failed: %s", err)
	}
	return path
}

func TestUserIndexLoadAndAuth(t *testing.T) {
	path := writeAuthFile(t, t.TempDir(), testAuthFile)
	ui := NewUserIndex(testLogger(t))
	defer ui.Close()
	if err := ui.LoadUsers(path); err != nil {
		t.Fatalf("LoadUsers failed: %s", err)
	}
	if ui.Len() != 2 {
		t.Fatalf("loaded %d users, want 2", ui.Len())
	}
	if _, ok := ui.Authenticate("alice", "secret"); !ok {
		t.Errorf("alice with correct password rejected")
	}
	if _, ok := ui.Authenticate("alice", "wrong"); ok {
		t.Errorf("alice with wrong password accepted")
	}
	if _, ok := ui.Authenticate("carol", "secret"); ok {
		t.Errorf("unknown user accepted")
	}
}

func TestUserACL(t *testing.T) {
	path := writeAuthFile(t, t.TempDir(), testAuthFile)
	ui := NewUserIndex(testLogger(t))
	defer ui.Close()
	if err := ui.LoadUsers(path); err != nil {
		t.Fatalf("LoadUsers failed: %s", err)
	}
	alice, _ := ui.Get("alice")
	if !alice.HasAccess("anything:9999") {
		t.Errorf("user without patterns must allow all targets")
	}
	bob, _ := ui.Get("bob")
	if !bob.HasAccess("example.com:80") || !bob.HasAccess("10.0.0.7:22") {
		t.Errorf("bob denied an allowed target")
	}
	if bob.HasAccess("example.com:443") || bob.HasAccess("evil.com:80") {
		t.Errorf("bob allowed a disallowed target")
	}
}

func TestUserIndexReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeAuthFile(t, dir, "alice:one\n")
	ui := NewUserIndex(testLogger(t))
	defer ui.Close()
	if err := ui.LoadUsers(path); err != nil {
		t.Fatalf("LoadUsers failed: %s", err)
	}
	if _, ok := ui.Authenticate("alice", "one"); !ok {
		t.Fatalf("initial load missing alice")
	}
	writeAuthFile(t, dir, "alice:two\n")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := ui.Authenticate("alice", "two"); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("auth file change never picked up")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestUserIndexRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	ui := NewUserIndex(testLogger(t))
	defer ui.Close()
	if err := ui.LoadUsers(filepath.Join(dir, "missing")); err == nil {
		t.Errorf("missing file accepted")
	}
	path := writeAuthFile(t, dir, "nopassword\n")
	if err := ui.LoadUsers(path); err == nil {
		t.Errorf("malformed line accepted")
	}
	path = writeAuthFile(t, dir, "alice:x [bad\n")
	if err := ui.LoadUsers(path); err == nil {
		t.Errorf("bad pattern accepted")
	}
}
