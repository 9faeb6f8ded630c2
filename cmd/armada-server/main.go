package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/armadahost/armada/internal/server/ca"
	"github.com/armadahost/armada/internal/server/daemonclient"
	"github.com/armadahost/armada/internal/server/events"
	"github.com/armadahost/armada/internal/server/httpapi"
	"github.com/armadahost/armada/internal/server/jobs"
	"github.com/armadahost/armada/internal/server/nodes"
	"github.com/armadahost/armada/internal/server/plans"
	"github.com/armadahost/armada/internal/server/scheduler"
	"github.com/armadahost/armada/internal/server/store"
)

func main() {
	app := &cli.App{
		Name:  "armada-server",
		Usage: "Fleet orchestration control plane",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "address to serve the API on",
				Value: ":8123",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "sqlite database path",
				Value: "armada.db",
			},
			&cli.StringFlag{
				Name:  "state-dir",
				Usage: "directory for CA material",
				Value: ".",
			},
			&cli.StringFlag{
				Name:    "shared-secret",
				Usage:   "secret daemons register with",
				EnvVars: []string{"ARMADA_SHARED_SECRET"},
			},
			&cli.StringFlag{
				Name:    "admin-token",
				Usage:   "bearer token for the operator API",
				EnvVars: []string{"ARMADA_ADMIN_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "daemon-api-key",
				Usage:   "key sent to daemons that have not provisioned mTLS yet",
				EnvVars: []string{"ARMADA_DAEMON_API_KEY"},
			},
			&cli.StringFlag{
				Name:  "plans",
				Usage: "path to the plan catalog",
				Value: "plans.toml",
			},
			&cli.StringFlag{
				Name:  "nats-addr",
				Usage: "listen address for the embedded event bus",
				Value: "127.0.0.1:4222",
			},
			&cli.Int64Flag{
				Name:  "units-per-core",
				Usage: "abstract CPU units per declared core",
				Value: 100,
			},
			&cli.DurationFlag{
				Name:  "reconcile-interval",
				Usage: "how often each online node is reconciled",
				Value: time.Minute * 5,
			},
			&cli.BoolFlag{
				Name:  "auto-approve",
				Usage: "approve registering nodes without operator action",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(c.String("db"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	authority, err := ca.Load(c.String("state-dir"))
	if err != nil {
		return fmt.Errorf("loading CA: %w", err)
	}

	ns, nc, err := events.StartEmbedded(c.String("nats-addr"))
	if err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	defer ns.Shutdown()
	bus := events.NewBus(nc)

	resolver, err := plans.LoadFile(c.String("plans"))
	if err != nil {
		return fmt.Errorf("loading plan catalog: %w", err)
	}

	nodeSvc := nodes.NewService(db, authority, bus, nodes.Config{
		SharedSecret: c.String("shared-secret"),
		AutoApprove:  c.Bool("auto-approve"),
	})

	cert, err := authority.IssueClientCert("armada-server")
	if err != nil {
		return fmt.Errorf("issuing controller client certificate: %w", err)
	}
	factory := daemonclient.NewFactory(cert, authority.RootPool(), c.String("daemon-api-key"), 0)
	clients := jobs.ClientFactoryFunc(func(url string) jobs.NodeClient { return factory.ForNode(url) })

	queue := jobs.NewQueue(db, bus)
	orch := jobs.NewOrchestrator(db, queue, clients, resolver, jobs.Config{})
	reconciler := jobs.NewReconciler(db, queue, c.Duration("reconcile-interval"))
	sched := scheduler.New(db, bus, c.Int64("units-per-core"))

	go nodeSvc.RunLivenessMonitor(ctx)
	go orch.Run(ctx)
	go reconciler.Run(ctx)

	apiServer := httpapi.NewServer(db, nodeSvc, sched, queue, resolver, bus,
		&httpapi.TokenPrincipal{Token: c.String("admin-token")})

	svr := &http.Server{
		Addr:    c.String("addr"),
		Handler: apiServer.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second*10)
		defer done()
		svr.Shutdown(shutdownCtx)
	}()

	log.Printf("serving control plane API on %s", c.String("addr"))
	if err := svr.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
