package main

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
)

type nodeRow struct {
	ID         uint      `json:"id"`
	Name       string    `json:"name"`
	Location   string    `json:"location"`
	URL        string    `json:"url"`
	Approved   bool      `json:"approved"`
	Status     string    `json:"status"`
	CPUCores   int64     `json:"cpu_cores"`
	MemoryMB   int64     `json:"memory_mb"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func nodesCmd(c *cli.Context) error {
	cc := setup(c)
	var nodes []nodeRow
	if err := cc.do(c, http.MethodGet, "/nodes", nil, &nodes); err != nil {
		return err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	printNodes(nodes, os.Stdout)
	return nil
}

func printNodes(nodes []nodeRow, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "ID\tNAME\tLOCATION\tSTATUS\tCORES\tMEM(MB)\tLAST SEEN\n")
	for _, n := range nodes {
		lastSeen := ""
		if !n.LastSeenAt.IsZero() {
			lastSeen = durationToString(time.Since(n.LastSeenAt))
		}
		fmt.Fprintf(tr, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n", n.ID, n.Name, n.Location, n.Status, n.CPUCores, n.MemoryMB, lastSeen)
	}
	tr.Flush()
}

func approveCmd(c *cli.Context) error {
	id := c.Args().First()
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return fmt.Errorf("expected a numeric node id, got %q", id)
	}
	cc := setup(c)
	if err := cc.do(c, http.MethodPost, "/nodes/"+id+"/approve", nil, nil); err != nil {
		return err
	}
	fmt.Printf("node %s approved\n", id)
	return nil
}

func joinCodeCmd(c *cli.Context) error {
	cc := setup(c)
	req := struct {
		TTLMinutes int `json:"ttl_minutes"`
	}{TTLMinutes: int(c.Duration("ttl").Minutes())}

	out := struct {
		Code      string    `json:"code"`
		ExpiresAt time.Time `json:"expires_at"`
	}{}
	if err := cc.do(c, http.MethodPost, "/nodes/join-codes", &req, &out); err != nil {
		return err
	}
	fmt.Printf("%s\t(expires %s)\n", out.Code, out.ExpiresAt.Format(time.RFC3339))
	return nil
}

type workloadRow struct {
	ID            uint   `json:"id"`
	UserID        string `json:"user_id"`
	PlanID        string `json:"plan_id"`
	Name          string `json:"name"`
	NodeID        *uint  `json:"node_id"`
	DesiredStatus string `json:"desired_status"`
	Ports         []int  `json:"ports"`
}

func workloadsCmd(c *cli.Context) error {
	cc := setup(c)
	path := "/workloads"
	if user := c.String("user"); user != "" {
		path += "?user_id=" + user
	}
	var list []workloadRow
	if err := cc.do(c, http.MethodGet, path, nil, &list); err != nil {
		return err
	}

	tr := tabwriter.NewWriter(os.Stdout, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "ID\tNAME\tUSER\tPLAN\tNODE\tDESIRED\tPORTS\n")
	for _, wl := range list {
		node := ""
		if wl.NodeID != nil {
			node = strconv.FormatUint(uint64(*wl.NodeID), 10)
		}
		ports := ""
		for i, p := range wl.Ports {
			if i > 0 {
				ports += ","
			}
			ports += strconv.Itoa(p)
		}
		fmt.Fprintf(tr, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", wl.ID, wl.Name, wl.UserID, wl.PlanID, node, wl.DesiredStatus, ports)
	}
	return tr.Flush()
}

type queueRow struct {
	Queue     string `json:"queue"`
	Queued    int64  `json:"queued"`
	Failed    int64  `json:"failed"`
	Completed int64  `json:"completed"`
	Paused    bool   `json:"paused"`
}

func queuesCmd(c *cli.Context) error {
	cc := setup(c)
	var queues []queueRow
	if err := cc.do(c, http.MethodGet, "/admin/queues", nil, &queues); err != nil {
		return err
	}

	tr := tabwriter.NewWriter(os.Stdout, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "QUEUE\tQUEUED\tFAILED\tCOMPLETED\tPAUSED\n")
	for _, q := range queues {
		fmt.Fprintf(tr, "%s\t%d\t%d\t%d\t%t\n", q.Queue, q.Queued, q.Failed, q.Completed, q.Paused)
	}
	return tr.Flush()
}

type jobRow struct {
	ID         uint   `json:"ID"`
	Queue      string `json:"Queue"`
	WorkloadID uint   `json:"WorkloadID"`
	Actor      string `json:"Actor"`
	Attempts   int    `json:"Attempts"`
	Status     string `json:"Status"`
	LastError  string `json:"LastError"`
}

func jobsCmd(c *cli.Context) error {
	cc := setup(c)
	var list []jobRow
	if err := cc.do(c, http.MethodGet, "/admin/queues/"+c.Args().First()+"/jobs", nil, &list); err != nil {
		return err
	}

	tr := tabwriter.NewWriter(os.Stdout, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "ID\tWORKLOAD\tACTOR\tATTEMPTS\tSTATUS\tLAST ERROR\n")
	for _, j := range list {
		reason := ""
		if j.LastError != "" {
			reason = fmt.Sprintf("%q", j.LastError)
		}
		fmt.Fprintf(tr, "%d\t%d\t%s\t%d\t%s\t%s\n", j.ID, j.WorkloadID, j.Actor, j.Attempts, j.Status, reason)
	}
	return tr.Flush()
}

func retryCmd(c *cli.Context) error {
	id := c.Args().First()
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return fmt.Errorf("expected a numeric job id, got %q", id)
	}
	cc := setup(c)
	if err := cc.do(c, http.MethodPost, "/admin/jobs/"+id+"/retry", nil, nil); err != nil {
		return err
	}
	fmt.Printf("job %s requeued\n", id)
	return nil
}

// eventsCmd streams newline-delimited events until interrupted.
func eventsCmd(c *cli.Context) error {
	cc := setup(c)
	req, err := http.NewRequestWithContext(c.Context, http.MethodGet, cc.BaseURL+"/admin/events/stream", nil)
	if err != nil {
		return err
	}
	if cc.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cc.Token)
	}

	client := &http.Client{} // no timeout: this is a long-lived stream
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
	return scanner.Err()
}
