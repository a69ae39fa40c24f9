package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stopboard/stopboard"
)

var boardCmd = &cobra.Command{
	Use:   "board <queries>",
	Short: "Prints the departure board for a set of route-stop queries",
	Long: `Prints the departure board for a set of route-stop queries.

Queries are semicolon separated pairs of routeId,stopId, with an
optional third field shifting the query by a number of seconds:

    stopboard board "L,lorimer;G,metropolitan,90"`,
	Args: cobra.ExactArgs(1),
	RunE: board,
}

var (
	limit        int
	byDeparture  bool
	nextPerRoute bool
)

func init() {
	boardCmd.Flags().IntVarP(&limit, "limit", "l", 0, "Limit the number of trips returned (0 for no limit)")
	boardCmd.Flags().BoolVarP(&byDeparture, "by-departure", "d", false, "Sort and filter by departure time instead of arrival")
	boardCmd.Flags().BoolVarP(&nextPerRoute, "next-per-route", "n", false, "Only the next trip per route and stop")
	rootCmd.AddCommand(boardCmd)
}

func board(cmd *cobra.Command, args []string) error {
	queries, err := stopboard.ParseQueries(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	feed, _, _, err := buildFeed(ctx, nil)
	if err != nil {
		return err
	}

	agg := stopboard.NewAggregator(feed)
	snapshot, err := agg.Aggregate(ctx, queries, stopboard.AggregateOptions{
		Limit:           limit,
		SortByDeparture: byDeparture,
		NextPerRoute:    nextPerRoute,
	})
	if err != nil {
		return err
	}

	buf, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))

	return nil
}
