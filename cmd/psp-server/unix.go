// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func unixCmd(g *globalFlags) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "unix",
		Short: "Serve length-prefixed frames on a unix socket, one session per connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			d, err := setup(ctx, g)
			if err != nil {
				return err
			}
			defer d.close()
			return serveUnix(ctx, d, path)
		},
	}
	cmd.Flags().StringVar(&path, "path", "psp.sock", "Socket path")
	return cmd
}

func serveUnix(ctx context.Context, d *runtimeDeps, path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	defer os.Remove(path)
	slog.Info("listening", "socket", path)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			return err
		}
		group.Go(func() error {
			defer conn.Close()
			d.metrics.SessionOpened()
			defer d.metrics.SessionClosed()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()
			if err := d.newServer().ServeStream(ctx, conn, conn); err != nil {
				slog.Warn("unix session", "err", err)
			}
			return nil
		})
	}
	return group.Wait()
}
