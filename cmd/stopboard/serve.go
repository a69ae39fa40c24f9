package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stopboard/stopboard"
	"github.com/stopboard/stopboard/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves departure boards over HTTP",
	Long: `Serves departure boards over HTTP.

GET /board?queries=L,lorimer;G,metropolitan   one-shot board as JSON
GET /stream?queries=...                       server-sent events, one per change
GET /healthz                                  feed health
GET /metrics                                  Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type server struct {
	aggregator *stopboard.Aggregator
	feed       *stopboard.Feed
	collector  *metrics.Collector
	logger     zerolog.Logger

	pollInterval time.Duration
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	feed, cfg, logger, err := buildFeed(ctx, collector)
	if err != nil {
		return err
	}

	srv := &server{
		aggregator: stopboard.NewAggregator(feed),
		feed:       feed,
		collector:  collector,
		logger:     logger,
	}
	if cfg.PollIntervalSeconds > 0 {
		srv.pollInterval = time.Duration(cfg.PollIntervalSeconds) * time.Second
	}

	// Resync keeps the static timetable fresh across feed
	// publications.
	go srv.resyncLoop(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/board", srv.handleBoard)
	mux.HandleFunc("/stream", srv.handleStream)
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", srv.collector.Handler())

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("listen", cfg.Listen).Msg("serving")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *server) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.feed.Sync(ctx); err != nil {
				s.logger.Error().Err(err).Msg("resync failed")
				continue
			}
			s.collector.StaticRefresh.Inc()
		}
	}
}

func boardParams(r *http.Request) ([]stopboard.RouteStopQuery, stopboard.AggregateOptions, error) {
	queries, err := stopboard.ParseQueries(r.URL.Query().Get("queries"))
	if err != nil {
		return nil, stopboard.AggregateOptions{}, err
	}

	opts := stopboard.AggregateOptions{}
	if v := r.URL.Query().Get("limit"); v != "" {
		opts.Limit, err = strconv.Atoi(v)
		if err != nil || opts.Limit < 0 {
			return nil, opts, fmt.Errorf("invalid limit '%s'", v)
		}
	}
	opts.SortByDeparture = r.URL.Query().Get("byDeparture") == "true"
	opts.NextPerRoute = r.URL.Query().Get("nextPerRoute") == "true"

	return queries, opts, nil
}

func (s *server) handleBoard(w http.ResponseWriter, r *http.Request) {
	queries, opts, err := boardParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	snapshot, err := s.aggregator.Aggregate(r.Context(), queries, opts)
	s.collector.PassDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.collector.PassErrors.Inc()
		s.logger.Error().Err(err).Msg("board request failed")
		http.Error(w, "aggregation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	queries, opts, err := boardParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	stream := stopboard.Subscribe(s.aggregator, queries, opts, s.collector, s.logger)
	if s.pollInterval > 0 {
		stream.PollInterval = s.pollInterval
	}

	snapshots, detach := stream.Attach()
	defer detach()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, ok := <-snapshots:
			if !ok {
				if err := stream.Err(); err != nil {
					s.logger.Error().Err(err).Msg("stream died")
				}
				return
			}
			buf, err := json.Marshal(snapshot)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", buf)
			flusher.Flush()
		}
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.feed.HealthCheck(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
