package listen

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestTCPBindsAndAccepts(t *testing.T) {
	ln, err := TCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("TCP: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(done)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
	<-done
}

func TestUnixBindsWorldAccessible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prelude-manager.sock")
	ln, err := Unix(path)
	if err != nil {
		t.Fatalf("Unix: %v", err)
	}
	defer ln.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0o777 != 0o777 {
		t.Fatalf("mode = %v, want world-accessible (0777)", perm)
	}
}

func TestUnixRemovesStaleSocketFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prelude-manager.sock")

	first, err := Unix(path)
	if err != nil {
		t.Fatalf("first Unix: %v", err)
	}
	// Disable Go's default unlink-on-close so Close leaves the socket
	// file behind, simulating an unclean shutdown (e.g. SIGKILL).
	if ul, ok := first.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	first.Close()

	second, err := Unix(path)
	if err != nil {
		t.Fatalf("second Unix should recover from the stale file: %v", err)
	}
	defer second.Close()
}

func TestUnixRejectsWhenAnotherManagerIsListening(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prelude-manager.sock")

	first, err := Unix(path)
	if err != nil {
		t.Fatalf("first Unix: %v", err)
	}
	defer first.Close()

	if _, err := Unix(path); err == nil {
		t.Fatal("want an error binding the same path while a listener is live")
	}
}
