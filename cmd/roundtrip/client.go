package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"roundtrip/internal/capture"
	"roundtrip/internal/config"
	"roundtrip/internal/pipeline"
	"roundtrip/internal/sink"
	"roundtrip/internal/store"
	"roundtrip/internal/wsconn"
)

func newClientCommand(ctx *commandContext) *cobra.Command {
	var endpoint string
	var duration time.Duration
	var tag string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Capture frames and send them to an engine server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if endpoint != "" {
				cfg.Client.Endpoint = endpoint
			}
			if tag == "" {
				tag = cfg.Client.Source
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(runCtx, duration)
				defer cancel()
			}
			return runClient(runCtx, cfg, tag, logger, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Server WebSocket URL (overrides client host and port)")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Tag to submit frames under (default client.source)")
	return cmd
}

func runClient(ctx context.Context, cfg *config.Config, tag string, logger *slog.Logger, out io.Writer) error {
	modes, err := cfg.Client.Modes()
	if err != nil {
		return err
	}

	sinks := sink.Multi{sink.Log{Logger: logger}}
	if cfg.Client.ResultsDir != "" {
		sinks = append(sinks, sink.File{Dir: cfg.Client.ResultsDir})
	}
	if cfg.Client.DBPath != "" {
		st, err := store.Open(cfg.Client.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		sinks = append(sinks, sink.Store{Saver: st})
	}
	var publisher *sink.MQTT
	if cfg.Client.MQTT.Broker != "" {
		client, err := sink.ConnectMQTT(cfg.Client.MQTT.Broker, cfg.Client.MQTT.ClientID, logger)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		publisher = &sink.MQTT{Client: client, Topic: cfg.Client.MQTT.Topic, QoS: cfg.Client.MQTT.QoS, Logger: logger}
		sinks = append(sinks, publisher)
	}

	source, err := newSource(cfg.Client)
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		Endpoint:            cfg.Client.URL(),
		TagModes:            modes,
		CapacityWaitTimeout: cfg.Client.CapacityWaitTimeout,
		HandshakeTimeout:    cfg.Client.HandshakeTimeout,
	}, pipeline.Dependencies{
		Dialer: &wsconn.Dialer{
			HandshakeTimeout: cfg.Client.HandshakeTimeout,
			PingInterval:     cfg.Client.PingInterval,
			Logger:           logger,
		},
		Sink:   sinks,
		Logger: logger,
		OnError: func(err error) {
			logger.Warn("pipeline error", "error", err)
		},
	})
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	producer := &capture.Producer{
		Source:    source,
		Submitter: p,
		Tag:       tag,
		Mode:      p.ModeFor(tag),
		FPS:       cfg.Client.FPS,
		Quality:   cfg.Client.JPEGQuality,
		Logger:    logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return producer.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-p.Done():
			return p.Err()
		case <-gctx.Done():
			return nil
		}
	})
	runErr := g.Wait()

	if err := p.Close(); err != nil {
		logger.Warn("pipeline close failed", "error", err)
	}
	fmt.Fprintln(out, renderClientStats(p.Stats(), producer.Stats(), publisher))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func newSource(cfg config.ClientConfig) (capture.Source, error) {
	if cfg.FramesDir != "" {
		return capture.NewDirSource(cfg.FramesDir)
	}
	return capture.NewPatternSource(cfg.Width, cfg.Height), nil
}

func renderClientStats(stats pipeline.Stats, produced capture.ProducerStats, publisher *sink.MQTT) string {
	tw := newTable(table.Row{"Metric", "Value"}, 2)
	tw.AppendRows([]table.Row{
		{"endpoint", stats.Channel.Endpoint},
		{"state", stats.Channel.State.String()},
		{"captured", produced.Captured},
		{"submitted", produced.Submitted},
		{"capacity timeouts", produced.Timeouts},
		{"encoded", stats.Worker.Materialized},
		{"encode failures", stats.Worker.EncodeFailures},
		{"sent", stats.Channel.Sent},
		{"delivered", stats.Channel.Delivered},
		{"lost", stats.Channel.Lost},
	})
	for _, tag := range sortedTags(stats) {
		tw.AppendRow(table.Row{"replaced [" + tag + "]", stats.Slot.Tags[tag].Replaced})
	}
	if publisher != nil {
		published, failed := publisher.Counts()
		tw.AppendRow(table.Row{"mqtt published", published})
		tw.AppendRow(table.Row{"mqtt failed", failed})
	}
	return tw.Render()
}

func sortedTags(stats pipeline.Stats) []string {
	tags := make([]string, 0, len(stats.Slot.Tags))
	for tag := range stats.Slot.Tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
