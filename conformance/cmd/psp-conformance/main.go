// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command psp-conformance runs the protocol conformance scenarios against a
// running psprpc server.
//
//	psp-conformance http://127.0.0.1:8080/psp
//	psp-conformance ws://127.0.0.1:8080/ws
//	psp-conformance unix:///tmp/psp.sock
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Query-farm/vgi-perspective/conformance"
	"github.com/Query-farm/vgi-perspective/psprpc/client"
	"github.com/spf13/cobra"
)

func main() {
	var (
		run     string
		timeout time.Duration
		verbose bool
	)
	cmd := &cobra.Command{
		Use:           "psp-conformance URL",
		Short:         "Run protocol conformance scenarios against a server",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			c, closer, err := connect(ctx, args[0])
			if err != nil {
				return err
			}
			defer closer.Close()

			results, err := conformance.Run(ctx, c, run)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), results, verbose)
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "Only run scenarios matching this regular expression")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall time limit")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print passing scenarios too")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, raw string) (*client.Client, io.Closer, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	switch u.Scheme {
	case "http", "https":
		send, err := client.NewHTTPSend(raw, client.WithCompression(3))
		if err != nil {
			return nil, nil, err
		}
		return client.NewClient(send), io.NopCloser(nil), nil
	case "ws", "wss":
		c, conn, err := client.DialWebSocket(ctx, raw, nil)
		if err != nil {
			return nil, nil, err
		}
		return c, conn, nil
	case "unix":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", u.Path)
		if err != nil {
			return nil, nil, err
		}
		c, _ := client.NewStreamClient(ctx, conn, conn)
		return c, conn, nil
	}
	return nil, nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
}

func report(w io.Writer, results []conformance.Result, verbose bool) error {
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "FAIL %s (%s): %v\n", r.Name, r.Duration.Round(time.Millisecond), r.Err)
		case verbose:
			fmt.Fprintf(w, "PASS %s (%s)\n", r.Name, r.Duration.Round(time.Millisecond))
		}
	}
	failed := len(conformance.Failed(results))
	fmt.Fprintf(w, "%d/%d scenarios passed\n", len(results)-failed, len(results))
	if failed > 0 {
		return fmt.Errorf("%d scenario(s) failed", failed)
	}
	return nil
}
