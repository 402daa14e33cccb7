package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/juano2310/SuperCANBus-sub000/internal/bus"
	"github.com/juano2310/SuperCANBus-sub000/internal/client"
	"github.com/juano2310/SuperCANBus-sub000/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "canctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		group   = flag.String("bus", "239.77.42.1:9911", "UDP multicast group of the bus")
		serial  = flag.String("serial", "", "serial number for a permanent id (empty = temporary)")
		op      = flag.String("op", "listen", "operation: listen, publish, direct, peer, ping")
		topic   = flag.String("topic", "", "topic name for listen/publish")
		message = flag.String("message", "", "payload for publish/direct/peer")
		target  = flag.Uint("target", 0, "target client id for peer")
		timeout = flag.Duration("timeout", 5*time.Second, "connect timeout")
	)
	flag.Parse()

	logging.ConfigureRuntime()

	transport, err := bus.DialUDP(*group)
	if err != nil {
		return err
	}
	defer transport.Close()

	c := client.New(transport,
		client.WithConfig(client.Config{
			ConnectTimeout:  *timeout,
			RestoreGrace:    200 * time.Millisecond,
			PeerDedupWindow: 50 * time.Millisecond,
		}),
		client.WithObservers(client.Observers{
			OnTopicData: func(topic string, hash uint16, payload []byte) {
				fmt.Printf("[%s] %s\n", topic, payload)
			},
			OnPeerMessage: func(sender uint8, payload []byte) {
				fmt.Printf("[peer %d] %s\n", sender, payload)
			},
			OnAck: func() {
				fmt.Println("acknowledged")
			},
			OnPong: func(rtt time.Duration) {
				fmt.Printf("pong rtt=%v\n", rtt)
			},
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx, *serial); err != nil {
		return err
	}
	log.Info().Uint8("id", c.ID()).Strs("subscriptions", c.Subscriptions()).Msg("connected")

	switch *op {
	case "listen":
		if *topic != "" && !c.Subscribed(*topic) {
			if err := c.Subscribe(*topic); err != nil {
				return err
			}
		}
		c.Run(ctx)
		return nil
	case "publish":
		if *topic == "" {
			return fmt.Errorf("publish requires -topic")
		}
		return c.Publish(*topic, []byte(*message))
	case "direct":
		if err := c.SendDirectMessage([]byte(*message)); err != nil {
			return err
		}
		return pumpFor(ctx, c, 500*time.Millisecond)
	case "peer":
		if err := c.SendPeerMessage(uint8(*target), []byte(*message)); err != nil {
			return err
		}
		return nil
	case "ping":
		if err := c.Ping(); err != nil {
			return err
		}
		return pumpFor(ctx, c, 2*time.Second)
	default:
		return fmt.Errorf("unknown operation %q", *op)
	}
}

// pumpFor keeps polling briefly so a response to a one-shot operation can
// arrive before the process exits.
func pumpFor(ctx context.Context, c *client.Client, d time.Duration) error {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.Poll() {
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}
