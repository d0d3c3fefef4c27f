package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	quicgo "github.com/quic-go/quic-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lachieh/wrpc/pkg/harness"
	"github.com/lachieh/wrpc/pkg/port"
	"github.com/lachieh/wrpc/pkg/probe"
	"github.com/lachieh/wrpc/pkg/process"
	"github.com/lachieh/wrpc/pkg/protocol/codec"
	"github.com/lachieh/wrpc/pkg/transport/webtransport"
	"github.com/lachieh/wrpc/pkg/trust"
)

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "wrpctest",
		Short:         "Loopback fixtures for wRPC integration tests",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) { a.teardown() },
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default searches ./wrpctest.yaml, ./configs, ~/.wrpctest)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")
	root.AddCommand(newPortCmd(), newCertsCmd(), newRunCmd(), newSelftestCmd(a))
	return root
}

func newPortCmd() *cobra.Command {
	var ipv6 bool
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Print a currently free loopback TCP port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ip := port.Loopback
			if ipv6 {
				ip = netip.IPv6Loopback()
			}
			p, err := port.FreeOn(ip)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&ipv6, "ipv6", false, "allocate on ::1 instead of 127.0.0.1")
	return cmd
}

func newCertsCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a fresh server/client trust pair as PEM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pair, err := trust.NewPair()
			if err != nil {
				return err
			}
			files := map[string][]byte{}
			for _, id := range []*trust.Identity{pair.Server, pair.Client} {
				key, err := id.KeyPEM()
				if err != nil {
					return err
				}
				files[id.Name+".crt"] = id.CertPEM()
				files[id.Name+".key"] = key
			}
			if outDir == "" {
				w := cmd.OutOrStdout()
				for _, name := range []string{pair.Server.Name, pair.Client.Name} {
					_, _ = w.Write(files[name+".crt"])
					_, _ = w.Write(files[name+".key"])
				}
				return nil
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			for name, b := range files {
				if err := os.WriteFile(filepath.Join(outDir, name), b, 0o600); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d files to %s\n", len(files), outDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "write <name>.crt/<name>.key files here instead of stdout")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Supervise a child until it exits or SIGINT/SIGTERM arrives",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			child := exec.Command(args[0], args[1:]...)
			child.Stdin, child.Stdout, child.Stderr = os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr()
			h, trig, err := process.Spawn(ctx, child)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			go func() {
				select {
				case s := <-sigs:
					zap.L().Info("signal received, stopping child",
						zap.Stringer("signal", s), zap.Int("pid", h.Pid()), zap.String("cmd", shellquote.Join(args...)))
					_ = trig.Fire()
				case <-h.Done():
				}
			}()

			st, err := h.Wait(ctx)
			if err != nil {
				return err
			}
			zap.L().Debug("child finished", zap.Stringer("state", st))
			if code := exitStatus(st); code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
}

func newSelftestCmd(a *app) *cobra.Command {
	var (
		mode      string
		codecName string
		signed    bool
		timeout   time.Duration
		output    string
	)
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Negotiate a loopback session pair and print the probe report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if codecName == "" {
				codecName = a.cfg.Harness.Codec
			}
			if output != "json" && output != "yaml" {
				return fmt.Errorf("unknown --output %q (want json or yaml)", output)
			}
			c, err := codec.ByName(codecName)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rep, err := selftest(ctx, a, mode, c, signed)
			if err != nil {
				return err
			}
			if err := rep.Check(); err != nil {
				return fmt.Errorf("session disagreement: %w", err)
			}
			return render(cmd.OutOrStdout(), output, rep)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "quic", "session kind: quic or webtransport")
	cmd.Flags().StringVar(&codecName, "codec", "", "probe codec: json, cbor or proto (default harness.codec)")
	cmd.Flags().BoolVar(&signed, "signed", false, "sign each Hello with the sender's certificate key")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "report format: json or yaml")
	return cmd
}

func selftest(ctx context.Context, a *app, mode string, c codec.Codec, signed bool) (*probe.Report, error) {
	pair, err := trust.NewPair()
	if err != nil {
		return nil, err
	}
	var popts []probe.Option
	if signed {
		popts = append(popts, probe.WithIdentities(pair.Client, pair.Server))
	}
	hopts := []harness.Option{harness.FromConfig(a.cfg), harness.WithPair(pair)}

	switch mode {
	case "quic":
		return harness.WithQUIC(ctx, func(ctx context.Context, clt, srv *quicgo.Conn) (*probe.Report, error) {
			return probe.Exchange(ctx, clt, srv, c, popts...)
		}, hopts...)
	case "webtransport":
		return harness.WithWebTransportPair(ctx, func(ctx context.Context, p *webtransport.Pair) (*probe.Report, error) {
			return probe.ExchangeWebTransport(ctx, p, c, popts...)
		}, hopts...)
	default:
		return nil, errors.New("unknown --mode " + mode + " (want quic or webtransport)")
	}
}

func render(w io.Writer, format string, rep *probe.Report) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
