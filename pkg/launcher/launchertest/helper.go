// Package launchertest provides a re-exec'd test binary that behaves like a
// real dev service: it binds a TCP port and blocks until signalled.
package launchertest

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"testing"
)

const (
	envListenPort = "DEVPORTAL_TEST_LISTEN_PORT"
	envIgnoreTerm = "DEVPORTAL_TEST_IGNORE_TERM"
)

// RunHelperIfRequested turns the current test binary into a listener when
// it was started by HelperCommand. Call it first in TestMain.
func RunHelperIfRequested() {
	port := os.Getenv(envListenPort)
	if port == "" {
		return
	}

	if os.Getenv(envIgnoreTerm) != "" {
		signal.Ignore(syscall.SIGTERM)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "helper listen failed: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("helper listening on %s\n", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			os.Exit(0)
		}
		conn.Close()
	}
}

// HelperCommand returns a start command and environment that launch this
// test binary as a listener on port. With ignoreTerm the helper survives
// SIGTERM and only dies to SIGKILL.
func HelperCommand(port int, ignoreTerm bool) (string, []string) {
	env := []string{envListenPort + "=" + strconv.Itoa(port)}
	if ignoreTerm {
		env = append(env, envIgnoreTerm+"=1")
	}
	return fmt.Sprintf("exec '%s' '-test.run=^$'", os.Args[0]), env
}

// FreePort returns a loopback port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}
