package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "armadactl",
		Usage: "Armada admin tools",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "server",
				Usage:    "address of the control plane i.e. `armada.mydomain` or `armada.mydomain:8123`",
				Required: true,
				EnvVars:  []string{"ARMADA_SERVER"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "operator bearer token",
				EnvVars: []string{"ARMADA_ADMIN_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "timeout when sending requests to the control plane",
				Value: time.Second * 15,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "nodes",
				Usage:  "List fleet nodes and their status",
				Action: nodesCmd,
			},
			{
				Name:      "approve",
				Usage:     "Approve a pending node",
				ArgsUsage: "<node id>",
				Action:    approveCmd,
			},
			{
				Name:  "join-code",
				Usage: "Mint a one-time node registration code",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "how long the code stays valid",
						Value: time.Hour,
					},
				},
				Action: joinCodeCmd,
			},
			{
				Name:   "workloads",
				Usage:  "List workloads",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "user",
						Usage: "filter by owning user",
					},
				},
				Action: workloadsCmd,
			},
			{
				Name:   "queues",
				Usage:  "Show job queue depth and counters",
				Action: queuesCmd,
			},
			{
				Name:      "jobs",
				Usage:     "List jobs on a queue",
				ArgsUsage: "<queue>",
				Action:    jobsCmd,
			},
			{
				Name:      "retry",
				Usage:     "Requeue a failed job",
				ArgsUsage: "<job id>",
				Action:    retryCmd,
			},
			{
				Name:   "events",
				Usage:  "Tail the live event stream",
				Action: eventsCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

type appContext struct {
	Client  *http.Client
	BaseURL string
	Token   string
}

func setup(c *cli.Context) *appContext {
	addr := c.String("server")
	if !strings.Contains(addr, ":") {
		addr += ":8123"
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &appContext{
		Client:  &http.Client{Timeout: c.Duration("timeout")},
		BaseURL: addr,
		Token:   c.String("token"),
	}
}

func (cc *appContext) do(c *cli.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(c.Context, method, cc.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	if cc.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cc.Token)
	}

	resp, err := cc.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		envelope := struct {
			Error string `json:"error"`
		}{}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, envelope.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func durationToString(d time.Duration) string {
	hr := d.Hours()
	if hr > 24 {
		return fmt.Sprintf("%dd", int(hr/24))
	}
	if hr > 1 {
		return fmt.Sprintf("%dh", int(hr))
	}

	min := d.Minutes()
	if min > 1 {
		return fmt.Sprintf("%dm", int(min))
	}

	return fmt.Sprintf("%ds", int(d.Seconds()))
}
