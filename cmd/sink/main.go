package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"mongosink/internal/config"
	"mongosink/internal/engine"
	"mongosink/source/kafka"

	_ "mongosink/sink/mongo"
	_ "mongosink/sink/redis"
	_ "mongosink/sink/stdout"
)

func main() {
	path := flag.String("config", "sink.yml", "path to the sink YAML config (optional; MONGOSINK__ env vars overlay it)")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	kafka.Register("sarama", func() kafka.Adapter { return &kafka.SaramaDriver{} })
	kafka.Register("kgo", func() kafka.Adapter { return &kafka.KgoDriver{} })

	e, err := engine.Bootstrap(cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	if err := e.Run(ctx); err != nil {
		log.Fatalf("engine: %v", err)
	}
}
