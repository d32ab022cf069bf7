// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// socketControl sets TCP_USER_TIMEOUT on the socket before connect or
// listen. Accepted sockets inherit the option from the listener.
func socketControl(userTimeout time.Duration) func(network, address string, conn syscall.RawConn) error {
	if userTimeout <= 0 {
		return nil
	}
	milliseconds := int(userTimeout / time.Millisecond)
	return func(_, _ string, conn syscall.RawConn) error {
		var optionErr error
		err := conn.Control(func(fd uintptr) {
			optionErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, milliseconds)
		})
		if err != nil {
			return err
		}
		return optionErr
	}
}

// userTimeout reads TCP_USER_TIMEOUT back from conn.
func userTimeout(conn syscall.Conn) (time.Duration, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var value int
	var optionErr error
	err = raw.Control(func(fd uintptr) {
		value, optionErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT)
	})
	if err != nil {
		return 0, err
	}
	return time.Duration(value) * time.Millisecond, optionErr
}
