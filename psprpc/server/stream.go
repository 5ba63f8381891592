// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

// RunStdio serves length-prefixed frames on stdin and stdout.
func (s *VirtualServer) RunStdio(ctx context.Context) error {
	signal.Ignore(syscall.SIGPIPE)

	if isTerminal(os.Stdin) || isTerminal(os.Stdout) {
		fmt.Fprintln(os.Stderr,
			"WARNING: This process speaks length-prefixed Arrow IPC frames on stdin/stdout "+
				"and is not intended to be run interactively.")
	}
	return s.ServeStream(ctx, os.Stdin, os.Stdout)
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// ServeStream reads request frames from r and writes reply and push frames
// to w until r ends or ctx is done. The server's push sink is bound to w for
// the duration. All views are deleted when the stream ends.
func (s *VirtualServer) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	var writeMu sync.Mutex
	var writeErr error
	write := func(data []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if writeErr != nil {
			return
		}
		writeErr = psprpc.WriteFrame(w, data)
	}
	s.SetPushFunc(write)
	defer s.SetPushFunc(nil)
	defer func() {
		if err := s.Close(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("closing session views", "err", err)
		}
	}()

	for ctx.Err() == nil {
		frame, err := psprpc.ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) || isTransportClosed(err) {
				return nil
			}
			s.logger.Error("serve loop error", "err", err)
			return err
		}
		if out := s.Respond(ctx, frame); out != nil {
			write(out)
		}
		writeMu.Lock()
		err = writeErr
		writeMu.Unlock()
		if err != nil {
			if isTransportClosed(err) {
				return nil
			}
			s.logger.Error("serve loop write error", "err", err)
			return err
		}
	}
	return ctx.Err()
}

// isTransportClosed reports errors that mean the peer went away.
func isTransportClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}
