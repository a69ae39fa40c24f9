package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stopboard/stopboard"
)

var watchCmd = &cobra.Command{
	Use:   "watch <queries>",
	Short: "Follows the departure board, printing a JSON line on every change",
	Args:  cobra.ExactArgs(1),
	RunE:  watch,
}

func init() {
	watchCmd.Flags().IntVarP(&limit, "limit", "l", 0, "Limit the number of trips returned (0 for no limit)")
	watchCmd.Flags().BoolVarP(&byDeparture, "by-departure", "d", false, "Sort and filter by departure time instead of arrival")
	watchCmd.Flags().BoolVarP(&nextPerRoute, "next-per-route", "n", false, "Only the next trip per route and stop")
	rootCmd.AddCommand(watchCmd)
}

func watch(cmd *cobra.Command, args []string) error {
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

	agg := stopboard.NewAggregator(feed)
	stream := stopboard.Subscribe(agg, queries, stopboard.AggregateOptions{
		Limit:           limit,
		SortByDeparture: byDeparture,
		NextPerRoute:    nextPerRoute,
	}, stopboard.NopRegistry{}, logger)

	if cfg.PollIntervalSeconds > 0 {
		stream.PollInterval = time.Duration(cfg.PollIntervalSeconds) * time.Second
	}

	snapshots, detach := stream.Attach()
	defer detach()

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
			fmt.Println(string(buf))
		}
	}
}
