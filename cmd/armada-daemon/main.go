package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/armadahost/armada/internal/daemon"
)

func main() {
	app := &cli.App{
		Name:  "armada-daemon",
		Usage: "Node agent: provisions and supervises workloads on this host",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the daemon config file",
				Value: "daemon.toml",
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "control plane base URL",
				EnvVars: []string{"ARMADA_SERVER_URL"},
			},
			&cli.StringFlag{
				Name:  "advertise",
				Usage: "URL the control plane reaches this daemon on",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "node name reported at registration",
			},
			&cli.StringFlag{
				Name:  "location",
				Usage: "node location hint for the scheduler",
			},
			&cli.StringFlag{
				Name:    "shared-secret",
				Usage:   "registration shared secret",
				EnvVars: []string{"ARMADA_SHARED_SECRET"},
			},
			&cli.StringFlag{
				Name:    "join-code",
				Usage:   "one-time registration join code",
				EnvVars: []string{"ARMADA_JOIN_CODE"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "key the control plane may call this daemon with",
				EnvVars: []string{"ARMADA_API_KEY"},
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory for keys, ledgers, and workload volumes",
			},
			&cli.UintFlag{
				Name:  "port",
				Usage: "daemon API listen port",
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
	conf, err := daemon.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	applyFlags(c, conf)
	if err := conf.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ident, err := daemon.NewIdentity(conf)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	engine, err := daemon.NewEngine(conf)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	go ident.Run(ctx)

	// the API needs the issued certificate, so wait out the approval cycle
	if !ident.WaitApproved(ctx) {
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- daemon.Serve(conf, engine, ident) }()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func applyFlags(c *cli.Context, conf *daemon.Config) {
	if v := c.String("server"); v != "" {
		conf.ServerURL = v
	}
	if v := c.String("advertise"); v != "" {
		conf.AdvertiseURL = v
	}
	if v := c.String("name"); v != "" {
		conf.Name = v
	}
	if v := c.String("location"); v != "" {
		conf.Location = v
	}
	if v := c.String("shared-secret"); v != "" {
		conf.SharedSecret = v
	}
	if v := c.String("join-code"); v != "" {
		conf.JoinCode = v
	}
	if v := c.String("api-key"); v != "" {
		conf.APIKey = v
	}
	if v := c.String("data-dir"); v != "" {
		conf.DataDir = v
	}
	if v := c.Uint("port"); v != 0 {
		conf.Port = v
	}
}
