// Command validator-offload runs the websocket gateway that serves
// account and slot subscriptions on behalf of cluster validators.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/bobs4462/validator-offload/internal/actor"
	"github.com/bobs4462/validator-offload/internal/buffer"
	"github.com/bobs4462/validator-offload/internal/config"
	"github.com/bobs4462/validator-offload/internal/ingest"
	"github.com/bobs4462/validator-offload/internal/metrics"
	"github.com/bobs4462/validator-offload/internal/router"
	"github.com/bobs4462/validator-offload/internal/server"
)

const shutdownGrace = 30 * time.Second

var (
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "address the websocket server binds to",
	}
	workerCountFlag = &cli.IntFlag{
		Name:  "worker-count",
		Usage: "scheduler threads for connection serving, 0 sizes from the cpu quota",
	}
	managerCountFlag = &cli.IntFlag{
		Name:  "manager-count",
		Usage: "subscription manager shards, 0 sizes from the cpu quota",
	}
	nsqlookupFlag = &cli.StringSliceFlag{
		Name:  "nsqlookup",
		Usage: "nsqlookupd address for broker discovery, repeatable",
	}
	natsURLFlag = &cli.StringFlag{
		Name:  "nats-url",
		Usage: "nats server url, mutually exclusive with --nsqlookup",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "force debug logging",
	}
)

func main() {
	app := &cli.App{
		Name:  "validator-offload",
		Usage: "websocket gateway for account and slot subscriptions",
		Flags: []cli.Flag{
			listenFlag,
			workerCountFlag,
			managerCountFlag,
			nsqlookupFlag,
			natsURLFlag,
			debugFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.IsSet(listenFlag.Name) {
		cfg.Listen = c.String(listenFlag.Name)
	}
	if c.IsSet(workerCountFlag.Name) {
		cfg.WorkerCount = c.Int(workerCountFlag.Name)
	}
	if c.IsSet(managerCountFlag.Name) {
		cfg.ManagerCount = c.Int(managerCountFlag.Name)
	}
	if c.IsSet(nsqlookupFlag.Name) {
		cfg.NSQLookup = c.StringSlice(nsqlookupFlag.Name)
	}
	if c.IsSet(natsURLFlag.Name) {
		cfg.NATSURL = c.String(natsURLFlag.Name)
	}
	if c.Bool(debugFlag.Name) {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// automaxprocs already sized GOMAXPROCS from the container quota;
	// an explicit worker count overrides it.
	if cfg.WorkerCount > 0 {
		runtime.GOMAXPROCS(cfg.WorkerCount)
	}

	log := cfg.NewLogger()
	cfg.LogConfig(log)

	m := metrics.New()

	// Actors run on their own context so draining sessions can still
	// unsubscribe after the shutdown signal.
	actorCtx, stopActors := context.WithCancel(context.Background())
	defer stopActors()
	sup := actor.NewSupervisor(log, m.ActorRestarts)

	rt := router.New(cfg.Managers(), log, m)
	buf := buffer.New(rt, log, m)
	rt.Send(router.SetBuffer{Buffer: buf})

	sup.Go(actorCtx, "router", rt.Run)
	for i, mgr := range rt.Managers() {
		sup.Go(actorCtx, fmt.Sprintf("manager-%d", i), mgr.Run)
	}
	sup.Go(actorCtx, "buffer", buf.Run)

	dec := ingest.NewDecoder(rt, m, log)
	sup.Go(actorCtx, "ingest-accounts", dec.RunAccounts)
	sup.Go(actorCtx, "ingest-slots", dec.RunSlots)

	var src ingest.Source
	switch {
	case len(cfg.NSQLookup) > 0:
		src, err = ingest.NewNSQSource(ingest.NSQConfig{
			LookupAddrs:  cfg.NSQLookup,
			AccountTopic: cfg.AccountTopic,
			SlotTopic:    cfg.SlotTopic,
			Channel:      cfg.NSQChannel,
		}, dec, log)
	case cfg.NATSURL != "":
		src, err = ingest.NewNATSSource(ingest.NATSConfig{
			URL:            cfg.NATSURL,
			AccountSubject: cfg.AccountTopic,
			SlotSubject:    cfg.SlotTopic,
		}, dec, log)
	default:
		src, err = ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers:      cfg.KafkaBrokers,
			Group:        cfg.KafkaGroup,
			AccountTopic: cfg.AccountTopic,
			SlotTopic:    cfg.SlotTopic,
		}, dec, log)
	}
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	srv := server.New(server.Config{
		Listen:         cfg.Listen,
		MaxConnections: cfg.MaxConnections,
		SessionBuffer:  cfg.SessionBuffer,
	}, rt, m, log)
	if err := srv.Start(); err != nil {
		src.Stop()
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go metrics.ReportLoop(sigCtx, log, cfg.MetricsInterval)

	<-sigCtx.Done()
	log.Info().Msg("shutdown signal received")

	// Stop ingest first so no new notifications race the drain, then
	// drain clients, then stop the actors they were talking to.
	src.Stop()
	if err := srv.Shutdown(shutdownGrace); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	stopActors()
	sup.Wait()
	log.Info().Msg("gateway stopped")
	return nil
}
