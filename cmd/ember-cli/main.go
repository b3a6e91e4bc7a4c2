package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"ember/pkg/model"
	"ember/pkg/store"
)

const usage = `ember-cli talks to the ember control plane.

Usage:
  ember-cli [flags] list
  ember-cli [flags] get <node-id>
  ember-cli [flags] provision --model <name> [--prefer-warm] [--max-cold-start ms] [--image img | --repo url | --script cmd] [-n count]
  ember-cli [flags] delete <node-id>
  ember-cli --etcd host:2379 watch

Flags:
`

type options struct {
	master  string
	etcd    []string
	prefix  string
	timeout time.Duration

	model        string
	preferWarm   bool
	maxColdStart float64
	image        string
	repo         string
	branch       string
	script       string
	port         int
	count        int
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("ember-cli", pflag.ContinueOnError)
	flagSet.StringVar(&opts.master, "master", "http://127.0.0.1:8090", "control plane base URL")
	flagSet.StringSliceVar(&opts.etcd, "etcd", nil, "read from the etcd mirror instead of the API")
	flagSet.StringVar(&opts.prefix, "etcd-prefix", store.DefaultNodePrefix, "etcd key prefix of the mirror")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	flagSet.StringVar(&opts.model, "model", "", "model to provision")
	flagSet.BoolVar(&opts.preferWarm, "prefer-warm", false, "prefer warm or hot nodes")
	flagSet.Float64Var(&opts.maxColdStart, "max-cold-start", 0, "cold-start budget in ms (0 for none)")
	flagSet.StringVar(&opts.image, "image", "", "deploy a container image if nothing matches")
	flagSet.StringVar(&opts.repo, "repo", "", "deploy a git repository if nothing matches")
	flagSet.StringVar(&opts.branch, "branch", "", "branch for --repo")
	flagSet.StringVar(&opts.script, "script", "", "deploy a startup script if nothing matches")
	flagSet.IntVar(&opts.port, "port", 0, "port for a new deployment")
	flagSet.IntVarP(&opts.count, "count", "n", 1, "number of concurrent provision requests")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	c := &client{base: strings.TrimRight(opts.master, "/"), http: &http.Client{Timeout: opts.timeout}}

	switch cmd := rest[0]; cmd {
	case "list":
		if len(opts.etcd) > 0 {
			return listFromEtcd(ctx, opts)
		}
		return c.list(ctx)
	case "get":
		if len(rest) != 2 {
			return errors.New("usage: get <node-id>")
		}
		return c.get(ctx, rest[1])
	case "delete":
		if len(rest) != 2 {
			return errors.New("usage: delete <node-id>")
		}
		return c.delete(ctx, rest[1])
	case "provision":
		return provision(ctx, c, opts)
	case "watch":
		if len(opts.etcd) == 0 {
			return errors.New("watch needs --etcd")
		}
		return watchEtcd(ctx, opts)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *client) list(ctx context.Context) error {
	var resp struct {
		Nodes []struct {
			ID       string   `json:"id"`
			Endpoint string   `json:"endpoint"`
			Status   string   `json:"status"`
			Warmth   string   `json:"warmth"`
			Models   []string `json:"models"`
			Metrics  struct {
				TotalInferences int64    `json:"totalInferences"`
				AverageLatency  *float64 `json:"averageLatency"`
			} `json:"metrics"`
		} `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, "/nodes", nil, &resp); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tWARMTH\tENDPOINT\tMODELS\tINFERENCES\tAVG MS")
	for _, n := range resp.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			n.ID, n.Status, n.Warmth, n.Endpoint, strings.Join(n.Models, ","), n.Metrics.TotalInferences, formatMs(n.Metrics.AverageLatency))
	}
	return tw.Flush()
}

func (c *client) get(ctx context.Context, id string) error {
	var node json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/nodes/"+id, nil, &node); err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, node, "", "  "); err != nil {
		return err
	}
	fmt.Println(pretty.String())
	return nil
}

func (c *client) delete(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/nodes/"+id, nil, nil); err != nil {
		return err
	}
	fmt.Printf("node %s deprovisioned\n", id)
	return nil
}

func provisionRequest(opts options) (model.ProvisionRequest, error) {
	if opts.model == "" {
		return model.ProvisionRequest{}, errors.New("--model is required")
	}
	req := model.ProvisionRequest{Model: opts.model, PreferWarm: opts.preferWarm}
	if opts.maxColdStart > 0 {
		budget := opts.maxColdStart
		req.MaxColdStartMs = &budget
	}

	var strategy model.Strategy
	switch {
	case opts.image != "":
		strategy = &model.ContainerStrategy{Image: opts.image}
	case opts.repo != "":
		strategy = &model.SourceStrategy{Repo: opts.repo, Branch: opts.branch}
	case opts.script != "":
		strategy = &model.ScriptStrategy{Command: opts.script}
	}
	if strategy != nil {
		req.Deployment = &model.DeploymentConfig{Strategy: strategy, Port: opts.port}
	}
	return req, nil
}

func provision(ctx context.Context, c *client, opts options) error {
	req, err := provisionRequest(opts)
	if err != nil {
		return err
	}
	if opts.count <= 1 {
		var res model.ProvisionResult
		if err := c.do(ctx, http.MethodPost, "/provision", req, &res); err != nil {
			return err
		}
		fmt.Printf("node %s at %s (%s, est. cold start %s ms)\n", res.NodeID, res.Endpoint, res.Warmth, formatMs(res.EstimatedColdStartMs))
		return nil
	}

	// Load mode: fire count requests, at most 50 in flight.
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
		perNode  = map[string]int{}
	)
	sem := make(chan struct{}, 50)
	start := time.Now()
	for i := 0; i < opts.count; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			var res model.ProvisionResult
			err := c.do(ctx, http.MethodPost, "/provision", req, &res)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				return
			}
			perNode[res.NodeID]++
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("%d requests in %v (%.2f req/s), %d failed\n", opts.count, elapsed, float64(opts.count)/elapsed.Seconds(), failures)
	for id, n := range perNode {
		fmt.Printf("  %s: %d\n", id, n)
	}
	return nil
}

func listFromEtcd(ctx context.Context, opts options) error {
	etcd, err := store.NewEtcdManager(opts.etcd, 5*time.Second, opts.prefix, nil)
	if err != nil {
		return err
	}
	defer etcd.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	nodes, err := etcd.ListNodes(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tENDPOINT\tMODELS\tINFERENCES")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", n.ID, n.Status, n.Endpoint, strings.Join(n.Models, ","), n.TotalInferences)
	}
	return tw.Flush()
}

func watchEtcd(ctx context.Context, opts options) error {
	etcd, err := store.NewEtcdManager(opts.etcd, 5*time.Second, opts.prefix, nil)
	if err != nil {
		return err
	}
	defer etcd.Close()

	for ev := range etcd.WatchNodes(ctx) {
		switch ev.Type {
		case store.NodePut:
			fmt.Printf("%s  put     %s %s %s\n", time.Now().Format(time.TimeOnly), ev.ID, ev.Node.Status, ev.Node.Endpoint)
		case store.NodeDelete:
			fmt.Printf("%s  delete  %s\n", time.Now().Format(time.TimeOnly), ev.ID)
		}
	}
	return nil
}

func formatMs(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}
