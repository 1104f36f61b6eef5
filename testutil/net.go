/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"fmt"
	"net"
	"time"
)

// GetLocalAddrWithFreeTCPPort returns a loopback address with a port nobody listens on right now.
func GetLocalAddrWithFreeTCPPort() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// WaitListeningServer polls addr until a TCP connection succeeds or timeout elapses.
func WaitListeningServer(addr string, timeout time.Duration) error {
	const pollInterval = 10 * time.Millisecond
	for deadline := time.Now().Add(timeout); time.Now().Before(deadline); time.Sleep(pollInterval) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn.Close()
		}
	}
	return fmt.Errorf("server on %s is not listening after %s", addr, timeout)
}
