//  Copyright 2024 Ordo One AB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ordo-one/profrec"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "profrec",
		Short:         "In-process sampling profiler server and spool converter",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newConvertCommand())
	return root
}

// serverConfig is the optional YAML configuration for serve.
type serverConfig struct {
	Listen string `yaml:"listen"`
	Log    struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

func loadServerConfig(path string) (serverConfig, error) {
	cfg := serverConfig{Listen: "http://127.0.0.1:7355"}
	cfg.Log.Level = "info"
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sampling HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(configPath)
			if err != nil {
				return err
			}
			logger := profrec.NewLogger(profrec.LogConfig{
				Level:  cfg.Log.Level,
				Pretty: cfg.Log.Pretty,
			})

			if err := profrec.InstallHandler(); err != nil {
				// The server still comes up: health keeps working,
				// sampling requests fail fast.
				logger.Warn().Err(err).Msg("sampling unavailable")
			}

			url := profrec.ResolveServerURL(cfg.Listen)
			ln, err := profrec.ListenURL(url)
			if err != nil {
				return err
			}
			logger.Info().Str("url", url).Msg("profile recorder listening")

			srv := &http.Server{
				Handler:           profrec.NewServer(logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML server configuration.")
	return cmd
}

// formatValue is a pflag.Value for output format names.
type formatValue struct {
	format profrec.Format
}

func (v *formatValue) String() string { return string(v.format) }
func (v *formatValue) Type() string   { return "format" }

func (v *formatValue) Set(s string) error {
	f, err := profrec.ParseFormat(s)
	if err != nil {
		return err
	}
	v.format = f
	return nil
}

var _ pflag.Value = (*formatValue)(nil)

func newConvertCommand() *cobra.Command {
	format := formatValue{format: profrec.FormatPerf}
	var output string
	var symbolizer string
	var symbolizerCmd []string

	cmd := &cobra.Command{
		Use:   "convert <spool-file>",
		Short: "Render an already-recorded raw spool file to another format",
		Long: "Render an already-recorded raw spool file to another format.\n\n" +
			"Captured addresses are only meaningful in the process that emitted\n" +
			"them; converting in a different process symbolizes against this\n" +
			"process's mappings and is only useful with the fake symbolizer.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := profrec.NewLogger(profrec.LogConfig{Level: "info"})

			var backend profrec.Backend
			switch symbolizer {
			case "native":
				backend = &profrec.NativeBackend{Inlines: true, Logger: logger}
			case "fake":
				backend = profrec.FakeBackend{}
			case "external":
				if len(symbolizerCmd) == 0 {
					return fmt.Errorf("--symbolizer external needs --symbolizer-command")
				}
				backend = &profrec.ExternalBackend{
					Command:   symbolizerCmd,
					Unstucker: true,
					Logger:    logger,
				}
			default:
				return fmt.Errorf("unknown symbolizer %q", symbolizer)
			}

			table, err := profrec.SnapshotMappings()
			if err != nil {
				return err
			}
			sym := profrec.NewSymbolizer(table, backend, logger)
			if err := sym.Start(); err != nil {
				return err
			}
			defer sym.Close()

			out := os.Stdout
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			renderer, err := profrec.NewRenderer(format.format)
			if err != nil {
				return err
			}
			return profrec.RenderSpool(args[0], renderer, &profrec.RenderConfig{}, sym, out)
		},
	}
	cmd.Flags().VarP(&format, "format", "f", "Output format: perf, pprof, or collapsed.")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file, - for stdout.")
	cmd.Flags().StringVar(&symbolizer, "symbolizer", "native", "Symbolizer backend: native, external, or fake.")
	cmd.Flags().StringSliceVar(&symbolizerCmd, "symbolizer-command", nil,
		"Command line of the external symbolizer process.")
	return cmd
}
