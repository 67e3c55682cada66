package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/danielpatrickdp/structgate/internal/config"
	"github.com/danielpatrickdp/structgate/internal/model"
	"github.com/danielpatrickdp/structgate/internal/monitor"
)

// #region main
func main() {
	configPath := flag.String("config", "structgate.yaml", "YAML config path (defaults apply when missing)")
	mode := flag.String("mode", model.ModeCollapse, "synthetic run: healthy | collapse | explosion")
	steps := flag.Int("steps", 60, "training steps to simulate")
	dim := flag.Int("dim", 64, "hidden state dimension")
	seed := flag.Uint64("seed", 1, "random seed")
	stopOnFailure := flag.Bool("stop", true, "stop at the first unhealthy step")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	sc := model.DefaultSyntheticConfig()
	sc.Mode = *mode
	sc.Steps = *steps
	sc.Dim = *dim
	sc.Seed = *seed
	run, err := model.NewSynthetic(sc)
	if err != nil {
		log.Fatalf("synthetic run: %v", err)
	}
	mon, err := monitor.NewMonitor(cfg.MonitorConfig())
	if err != nil {
		log.Fatalf("monitor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	os.Exit(train(ctx, run, mon, *stopOnFailure))
}

// #endregion main

// #region train
// train feeds each synthetic step to the monitor the way a training loop
// would after its forward pass. Exit code 1 means an unhealthy step was seen.
func train(ctx context.Context, run model.Model, mon *monitor.Monitor, stopOnFailure bool) int {
	fmt.Printf("%-6s %-8s %-10s %s\n", "STEP", "SV", "STATUS", "REASON")
	fmt.Println(strings.Repeat("-", 72))

	unhealthy := 0
	for {
		tr, err := run.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "step: %v\n", err)
			return 2
		}
		status, err := mon.Analyze(monitor.Observation{
			Step:   tr.Index,
			Hidden: tr.Layers[model.LayerLast],
			Logits: tr.Logits,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "analyze step %d: %v\n", tr.Index, err)
			return 2
		}

		label := "ok"
		switch {
		case status.Exploded:
			label = "EXPLODED"
		case status.Collapsed:
			label = "COLLAPSED"
		case status.Buffering():
			label = "buffering"
		}
		fmt.Printf("%-6d %-8s %-10s %s\n", status.Step, status.SVRatio.Format(4, "WAIT"), label, status.Reason)

		if !status.Healthy() {
			unhealthy++
			if stopOnFailure {
				fmt.Printf("\nstopping at step %d\n", status.Step)
				return 1
			}
		}
	}
	if unhealthy > 0 {
		fmt.Printf("\n%d unhealthy steps\n", unhealthy)
		return 1
	}
	fmt.Println("\nrun healthy")
	return 0
}

// #endregion train
