package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/stopboard/stopboard"
)

var publishCmd = &cobra.Command{
	Use:   "publish <queries>",
	Short: "Publishes departure board snapshots to NATS",
	Long: `Publishes departure board snapshots to NATS.

Each structural change to the board becomes one message on the
configured subject, suffixed with the feed code. Consumers subscribe
to stopboard.snapshots.<code>.`,
	Args: cobra.ExactArgs(1),
	RunE: publish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
}

func publish(cmd *cobra.Command, args []string) error {
	queries, err := stopboard.ParseQueries(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feed, cfg, logger, err := buildFeed(ctx, nil)
	if err != nil {
		return err
	}

	url := cfg.NATS.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("stopboard"))
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	defer nc.Drain()

	subject := fmt.Sprintf("%s.%s", cfg.NATS.Subject, feed.Config.Code)

	agg := stopboard.NewAggregator(feed)
	stream := stopboard.Subscribe(agg, queries, stopboard.AggregateOptions{}, stopboard.NopRegistry{}, logger)
	if cfg.PollIntervalSeconds > 0 {
		stream.PollInterval = time.Duration(cfg.PollIntervalSeconds) * time.Second
	}

	snapshots, detach := stream.Attach()
	defer detach()

	logger.Info().Str("subject", subject).Msg("publishing snapshots")

	for {
		select {
		case <-ctx.Done():
			return nil
		case snapshot, ok := <-snapshots:
			if !ok {
				return stream.Err()
			}
			buf, err := json.Marshal(snapshot)
			if err != nil {
				return err
			}
			if err := nc.Publish(subject, buf); err != nil {
				logger.Error().Err(err).Msg("publish failed")
			}
		}
	}
}
