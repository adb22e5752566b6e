// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wireloop/streamio"
	"github.com/wireloop/streamio/ioservice"
	"github.com/wireloop/streamio/selector"
	"github.com/wireloop/streamio/ws"
)

func newConnectCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <ws-url>",
		Short: "Connect to a ws:// or wss:// endpoint and print received frames until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), v, args[0])
		},
	}
	cmd.Flags().Bool("insecure-skip-verify", false, "skip TLS certificate verification for wss:// targets")
	cmd.Flags().Duration("reconnect-initial", 100*time.Millisecond, "initial reconnect delay")
	cmd.Flags().Float64("reconnect-multiplier", 2.0, "reconnect backoff multiplier")
	cmd.Flags().Float64("reconnect-jitter", 0.2, "reconnect backoff jitter fraction")
	cmd.Flags().Duration("reconnect-cap", 30*time.Second, "maximum reconnect delay")
	cmd.Flags().Duration("auto-disconnect", 0, "inactivity timeout before forcing a reconnect (0 disables)")
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

func runConnect(ctx context.Context, v *viper.Viper, rawURL string) error {
	host, port, path, useTLS, err := parseWSURL(rawURL)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	ep := &wsEndpoint{
		host:               host,
		port:               port,
		path:               path,
		useTLS:             useTLS,
		insecureSkipVerify: v.GetBool("insecure-skip-verify"),
		onFrame: func(f ws.Frame) {
			fmt.Printf("%s %s: %q\n", f.Timestamp.Format(time.RFC3339Nano), f.Opcode, f.Payload)
		},
		logger: streamio.DiscardLogger(),
	}

	backoff := ioservice.BackoffPolicy{
		Initial:    v.GetDuration("reconnect-initial"),
		Multiplier: v.GetFloat64("reconnect-multiplier"),
		Jitter:     v.GetFloat64("reconnect-jitter"),
		Max:        v.GetDuration("reconnect-cap"),
	}

	svc, err := ioservice.New(ctx,
		ioservice.WithSelector(selector.NewDirect()),
		ioservice.WithIdleStrategy(ioservice.Sleep(time.Millisecond)),
		ioservice.WithBackoffPolicy(backoff),
		ioservice.WithAutoDisconnect(v.GetDuration("auto-disconnect")),
	)
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, err := svc.Register(ep); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := svc.Poll(); err != nil {
			return err
		}
	}
}

func parseWSURL(raw string) (host string, port uint16, path string, useTLS bool, err error) {
	u, perr := url.Parse(raw)
	if perr != nil {
		return "", 0, "", false, fmt.Errorf("%w: invalid url %q: %v", streamio.ErrConfiguration, raw, perr)
	}
	switch u.Scheme {
	case "ws":
		useTLS = false
	case "wss":
		useTLS = true
	default:
		return "", 0, "", false, fmt.Errorf("%w: unsupported scheme %q, want ws or wss", streamio.ErrConfiguration, u.Scheme)
	}

	host = u.Hostname()
	portStr := u.Port()
	if portStr == "" {
		if useTLS {
			portStr = "443"
		} else {
			portStr = "80"
		}
	}
	portNum, perr := strconv.ParseUint(portStr, 10, 16)
	if perr != nil {
		return "", 0, "", false, fmt.Errorf("%w: invalid port %q: %v", streamio.ErrConfiguration, portStr, perr)
	}

	path = u.Path
	if path == "" {
		path = "/"
	}
	return host, uint16(portNum), path, useTLS, nil
}
