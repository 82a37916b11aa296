// =============================================================================
// DEMO RUNNER - Fast Paxos in Action
// =============================================================================
//
// Builds an in-process cluster, has every proposing node submit values at the
// same time, and checks that all learners ended up with the same log.
//
// Run with: go run ./cmd/demo -proposers 2 -acceptors 5 -values 20
//
//        submit("v0")          submit("v1")
//             │                     │
//        ┌────▼────┐           ┌────▼────┐
//        │ p1      │           │ p2      │      runner + learner
//        └────┬────┘           └────┬────┘
//             │  FastPropose / Prepare / Accept
//   ┌─────────▼──┬─────────┬────────▼┬─────────┬─────────┐
//   │ a1 (+coord)│ a2      │ a3      │ a4      │ a5      │  acceptors
//   └─────────┬──┴────┬────┴────┬────┴────┬────┴────┬────┘
//             └───────┴── Vote ─┴─────────┴─────────┘
//                          │
//                 every learner, same log
//
// Options come from DefaultOptions, then -config, then any flag set
// explicitly on the command line.
//
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/senutpal/fastquorum/internal/cluster"
	"github.com/senutpal/fastquorum/internal/export"
	"github.com/senutpal/fastquorum/internal/logging"
	"github.com/senutpal/fastquorum/internal/metrics"
	"github.com/senutpal/fastquorum/internal/paxos"
)

type result struct {
	value    string
	instance paxos.InstanceID
	retries  int
	latency  time.Duration
}

func main() {
	proposers := flag.Int("proposers", 2, "Number of proposing nodes")
	acceptors := flag.Int("acceptors", 5, "Number of accepting nodes")
	values := flag.Int("values", 10, "Values submitted per proposing node")
	deadline := flag.Duration("deadline", 30*time.Second, "Give up waiting for consensus after this long")

	def := cluster.DefaultOptions()
	configFile := flag.String("config", "", "Load options from JSON file")
	saveConfig := flag.String("save-config", "", "Save the effective options to JSON file")
	transportKind := flag.String("transport", def.Transport, "Transport: memory or zmq")
	fast := flag.Bool("fast", def.FastPath, "Use the fast round")
	coordinated := flag.Bool("coordinated", def.CoordinatedRecovery, "Recover fast-round collisions through the coordinator")
	placement := flag.String("placement", def.ProposerPlacement, "Proposer placement: one or all")
	noPhase1 := flag.Bool("no-phase1", def.NoPhase1, "Skip phase 1 in the runner's first classic round")
	interleaved := flag.Bool("interleaved", def.InterleavedInstanceIDs, "Interleave instance IDs across runners")
	latency := flag.Duration("latency", def.Network.Latency.Std(), "Simulated one-way latency")
	jitter := flag.Duration("jitter", def.Network.Jitter.Std(), "Simulated latency jitter")
	loss := flag.Float64("loss", def.Network.LossRate, "Simulated message loss rate")
	seed := flag.Int64("seed", def.Network.Seed, "Network RNG seed, 0 seeds from the clock")
	dataDir := flag.String("data-dir", "", "Persist acceptor state under this directory")

	logLevel := flag.Int("loglevel", 1, "Log level: -1=trace 0=debug 1=info 2=warn 3=error")
	pretty := flag.Bool("pretty", true, "Human readable logs")
	metricsAddr := flag.String("metrics-addr", "", "Serve /metrics on this address")
	exportPath := flag.String("export", "", "Write the learned logs as an Arrow IPC stream")

	flag.Parse()
	logging.Setup(*logLevel, *pretty)

	opts := def
	if *configFile != "" {
		var err error
		if opts, err = cluster.LoadOptions(*configFile); err != nil {
			log.Fatal().Err(err).Msg("failed to load options")
		}
		fmt.Printf("Loaded options from %s\n", *configFile)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			opts.Transport = *transportKind
		case "fast":
			opts.FastPath = *fast
		case "coordinated":
			opts.CoordinatedRecovery = *coordinated
		case "placement":
			opts.ProposerPlacement = *placement
		case "no-phase1":
			opts.NoPhase1 = *noPhase1
		case "interleaved":
			opts.InterleavedInstanceIDs = *interleaved
		case "latency":
			opts.Network.Latency = cluster.Duration(*latency)
		case "jitter":
			opts.Network.Jitter = cluster.Duration(*jitter)
		case "loss":
			opts.Network.LossRate = *loss
		case "seed":
			opts.Network.Seed = *seed
		case "data-dir":
			opts.DataDir = *dataDir
		}
	})
	if *saveConfig != "" {
		if err := saveOptions(*saveConfig, opts); err != nil {
			log.Error().Err(err).Msg("failed to save options")
		} else {
			fmt.Printf("Options saved to %s\n", *saveConfig)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if *metricsAddr != "" {
		srv := metrics.NewServer(*metricsAddr, reg)
		srv.StartAsync()
		defer srv.Stop()
		fmt.Printf("Metrics on http://%s/metrics\n", *metricsAddr)
	}

	proposing := make([]string, *proposers)
	for i := range proposing {
		proposing[i] = fmt.Sprintf("p%d", i+1)
	}
	accepting := make([]string, *acceptors)
	for i := range accepting {
		accepting[i] = fmt.Sprintf("a%d", i+1)
	}

	c, err := cluster.InitCluster(proposing, accepting, opts, cluster.WithRegistry(reg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build cluster")
	}
	fmt.Printf("Cluster: %d proposing, %d accepting, %d runners\n", len(proposing), len(accepting), c.Runners())
	fmt.Printf("Classic quorum %d, fast quorum %d\n",
		paxos.ClassicQuorum(len(accepting)), paxos.FastQuorum(len(accepting)))

	if err := c.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start cluster")
	}

	results, runErr := submitAll(ctx, c, *values, *deadline)
	if runErr != nil {
		log.Error().Err(runErr).Msg("workload did not finish")
	}
	waitForLearners(c, results, 2*time.Second)

	printReport(c, results)
	agreement := c.CheckAgreement()

	if *exportPath != "" {
		if err := writeExport(*exportPath, c); err != nil {
			log.Error().Err(err).Msg("export failed")
		} else {
			fmt.Printf("Learned logs written to %s\n", *exportPath)
		}
	}

	if err := c.Stop(); err != nil {
		log.Error().Err(err).Msg("cluster stopped with error")
	}
	if agreement != nil {
		fmt.Printf("\nLEARNERS DISAGREE: %v\n", agreement)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
	fmt.Println("\nConsensus achieved. All learners agree.")
}

func saveOptions(path string, opts cluster.Options) error {
	data, err := json.MarshalIndent(opts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// submitAll has every runner submit perRunner values concurrently.
func submitAll(ctx context.Context, c *cluster.Cluster, perRunner int, deadline time.Duration) ([]result, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make([]result, c.Runners()*perRunner)
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < c.Runners(); r++ {
		for i := 0; i < perRunner; i++ {
			slot := r*perRunner + i
			g.Go(func() error {
				value := fmt.Sprintf("r%d-v%d", r, i)
				start := time.Now()
				h, err := c.SubmitTo(r, []byte(value))
				if err != nil {
					return err
				}
				id, err := h.Await(gctx)
				if err != nil {
					return fmt.Errorf("%s: %w", value, err)
				}
				results[slot] = result{value: value, instance: id, retries: h.Retries(), latency: time.Since(start)}
				return nil
			})
		}
	}
	return results, g.Wait()
}

func waitForLearners(c *cluster.Cluster, results []result, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		caughtUp := true
		for _, l := range c.Learners() {
			for _, r := range results {
				if r.value == "" {
					continue
				}
				if _, ok := l.Learned(r.instance); !ok {
					caughtUp = false
				}
			}
		}
		if caughtUp {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func printReport(c *cluster.Cluster, results []result) {
	fmt.Println("\nResolved values:")
	var retries int
	var total time.Duration
	var done int
	for _, r := range results {
		if r.value == "" {
			continue
		}
		done++
		retries += r.retries
		total += r.latency
		fmt.Printf("  %-10s instance %-4d retries %d  %v\n", r.value, r.instance, r.retries, r.latency.Round(time.Microsecond))
	}
	if done > 0 {
		fmt.Printf("%d/%d resolved, %d retries, mean latency %v\n",
			done, len(results), retries, (total / time.Duration(done)).Round(time.Microsecond))
	}

	fmt.Println("\nLearners:")
	for i, l := range c.Learners() {
		noops := 0
		for _, e := range l.Snapshot() {
			if len(e.Value) == 0 {
				noops++
			}
		}
		fmt.Printf("  learner %d: %d instances (%d no-op)\n", i, l.Len(), noops)
	}
}

func writeExport(path string, c *cluster.Cluster) error {
	var rows []export.Row
	addrs := c.LearnerAddrs()
	for i, l := range c.Learners() {
		rows = append(rows, export.Rows(addrs[i], l.Snapshot())...)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := export.NewWriter().WriteIPC(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
