package supervisor

import (
	"net"
	"os"
	"strconv"
	"testing"
)

func TestListenerFromEnv(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		t.Fatalf("expected TCP listener")
	}
	file, err := tcpLn.File()
	if err != nil {
		t.Fatalf("listener file: %v", err)
	}
	defer file.Close()

	prevInherit := os.Getenv("AGENTRT_INHERIT_FD")
	prevFD := os.Getenv("AGENTRT_FD")
	defer func() {
		_ = os.Setenv("AGENTRT_INHERIT_FD", prevInherit)
		_ = os.Setenv("AGENTRT_FD", prevFD)
	}()

	_ = os.Setenv("AGENTRT_INHERIT_FD", "1")
	_ = os.Setenv("AGENTRT_FD", strconv.Itoa(int(file.Fd())))

	got, err := ListenerFromEnv()
	if err != nil {
		t.Fatalf("listener from env: %v", err)
	}
	if got == nil {
		t.Fatalf("expected listener")
	}
	_ = got.Close()
}
