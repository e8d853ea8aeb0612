// Copyright 2022 Molecula Corp. All rights reserved.

// Command mergequery runs the merge package's remote Folder Workers and Row
// Collector directly (without a Coordinator) against a set of remote merge
// endpoints from the command line: a small, standalone exercise of the
// Index Merger Core, built the way the teacher's cmd/ binaries wrap a
// cobra.Command with viper-backed flag/env/config resolution.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ankitprabhu/viewmerge/config"
	"github.com/ankitprabhu/viewmerge/logger"
	"github.com/ankitprabhu/viewmerge/merge"
	"github.com/ankitprabhu/viewmerge/tracing"
	"github.com/ankitprabhu/viewmerge/tracing/jaeger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		remotes    []string
		skip       int
		limit      int
		timeout    time.Duration
		trace      bool
	)

	cmd := &cobra.Command{
		Use:   "mergequery",
		Short: "Query a set of remote merge endpoints and print the merged rows.",
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "TOML configuration file.")
	flags.StringSliceVar(&remotes, "remote", nil, "Remote merge endpoint URL; repeat for multiple backing indexes.")
	flags.IntVar(&skip, "skip", 0, "Number of leading rows to skip.")
	flags.IntVar(&limit, "limit", -1, "Maximum number of rows to print (0 prints none; negative is unbounded).")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "Overall query timeout.")
	flags.BoolVar(&trace, "trace", false, "Report spans to a local Jaeger agent.")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		v.SetEnvPrefix("MERGEQUERY")
		v.AutomaticEnv()
		if err := v.BindPFlags(flags); err != nil {
			return fmt.Errorf("binding flags: %w", err)
		}
		if configPath != "" {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config: %w", err)
			}
		}
		// Flags win when set explicitly; otherwise fall back to the
		// bound config file or MERGEQUERY_* environment variables.
		remotes = v.GetStringSlice("remote")
		skip = v.GetInt("skip")
		limit = v.GetInt("limit")
		timeout = v.GetDuration("timeout")
		trace = v.GetBool("trace")

		if trace {
			tracer, closer, err := jaeger.New("mergequery", logger.NopLogger)
			if err != nil {
				return fmt.Errorf("starting jaeger tracer: %w", err)
			}
			defer closer.Close()
			tracing.GlobalTracer = tracer
		}

		cfg := config.NewConfig()
		if configPath != "" {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
			if cfg, err = config.Load(data); err != nil {
				return fmt.Errorf("parsing config file: %w", err)
			}
		}

		return runQuery(cmd.Context(), cfg, remotes, skip, limit, timeout)
	}

	return cmd
}

func runQuery(ctx context.Context, cfg *config.Config, remotes []string, skip, limit int, timeout time.Duration) error {
	if len(remotes) == 0 {
		return fmt.Errorf("at least one --remote is required")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	specs := make([]merge.IndexSpec, 0, len(remotes))
	for _, r := range remotes {
		specs = append(specs, merge.IndexSpec{
			Remote: &merge.RemoteSpec{
				URL:  r,
				Body: merge.EJSONBody{Spec: json.RawMessage(`{}`)},
			},
		})
	}

	queue := merge.NewOrderedMergeQueue(len(specs), nil)
	httpClient := &http.Client{Timeout: time.Duration(cfg.Merger.ConnectTimeout)}

	for i, spec := range specs {
		go func(i int, spec merge.RemoteSpec) {
			w := merge.NewRemoteFolderWorker(i, httpClient, spec, url.Values{}, cfg.Merger.PartialDownloadWindow, queue)
			_ = w.Run(ctx)
		}(i, *spec.Remote)
	}

	rc := merge.NewRowCollector(queue, &merge.MergeRequest{
		Skip:  skip,
		Limit: limit,
		Callback: func(ctx context.Context, ev merge.Event, acc interface{}) (interface{}, bool, interface{}) {
			if ev.Kind == merge.EventRow {
				fmt.Println(strings.TrimSpace(string(ev.Row)))
			}
			return acc, false, nil
		},
	})

	_, err := rc.Run(ctx, nil)
	return err
}
