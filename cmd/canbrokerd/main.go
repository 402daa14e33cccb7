package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/juano2310/SuperCANBus-sub000/internal/broker"
	"github.com/juano2310/SuperCANBus-sub000/internal/bus"
	"github.com/juano2310/SuperCANBus-sub000/internal/config"
	"github.com/juano2310/SuperCANBus-sub000/internal/logging"
	"github.com/juano2310/SuperCANBus-sub000/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "canbrokerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "canbrokerd.toml", "path to broker config")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := config.LoadBroker(*configPath)
	if err != nil {
		return err
	}

	gateway, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	transport, err := bus.DialUDP(cfg.BusGroup)
	if err != nil {
		return err
	}
	defer transport.Close()

	b := broker.New(transport, gateway, broker.WithObservers(broker.Observers{
		OnPublish: func(sender uint8, topic string, payload []byte) {
			log.Debug().Uint8("sender", sender).Str("topic", topic).Int("len", len(payload)).Msg("publish")
		},
		OnClientConnect: func(id uint8, serial string) {
			log.Info().Uint8("id", id).Str("serial", serial).Msg("client connected")
		},
		OnClientDisconnect: func(id uint8, serial string) {
			log.Info().Uint8("id", id).Str("serial", serial).Msg("client disconnected")
		},
	}))
	b.Boot()
	if cfg.LivenessEnabled && !b.LivenessEnabled() {
		b.SetLiveness(true, cfg.PingInterval, cfg.MaxMissedPings)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The broker itself is single-threaded; admin handlers run on HTTP
	// goroutines and hand their work to the run loop through this queue.
	ops := make(chan func(*broker.Broker), 16)
	if cfg.AdminListenAddr != "" {
		startAdmin(cfg.AdminListenAddr, ops)
	}

	log.Info().Str("bus", cfg.BusGroup).Str("store", cfg.StoreBackend).Msg("broker up")
	b.Run(ctx, ops)
	log.Info().Msg("shutting down")
	return nil
}

func openStore(cfg config.Broker) (store.Gateway, func(), error) {
	switch cfg.StoreBackend {
	case "file":
		s, err := store.OpenFileStore(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return store.NewMemStore(), func() {}, nil
	}
}
