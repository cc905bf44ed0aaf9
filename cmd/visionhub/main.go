package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"visionhub/internal/annotator"
	"visionhub/internal/auth"
	"visionhub/internal/bridge"
	"visionhub/internal/catalog"
	"visionhub/internal/config"
	"visionhub/internal/ingress"
	"visionhub/internal/log"
	"visionhub/internal/pb"
	"visionhub/internal/store"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML config file")
		addrF   = flag.String("addr", "", "Listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log.Configure(log.Config{Level: cfg.Log.Level})
	logger := log.WithComponent("main")

	addr := cfg.Addr()
	if *addrF != "" {
		addr = *addrF
	}

	// Wire the data plane. The bridge needs the annotator for reads and
	// the annotator needs the bridge for broadcasting results; the
	// closure breaks the cycle.
	st := store.NewFrameStore()
	var br *bridge.Bridge
	ann := annotator.New(cfg.Segmentation.URL, func(resp *pb.SegmentationResponse) {
		br.BroadcastAnnotation(resp)
	})
	br = bridge.New(st, ann)
	ing := ingress.New(st)

	cat, err := catalog.New(cfg.Recordings.CatalogPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open recordings catalog")
	}
	defer cat.Close()

	srv := newServer(cfg, st, ann, br, ing, cat, auth.NewAuthenticator(cfg.Auth))

	// Service connect is best effort; the retry loop takes over on
	// failure.
	go ann.Connect(context.Background())

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		logger.Info().Str("addr", addr).Msg("listening")
		errc <- httpSrv.ListenAndServe()
	}()

	logger.Info().Msgf("exiting (%v)", <-errc)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	st.StopReplay()
	ann.Close()
	logger.Info().Msg("exited")
}
