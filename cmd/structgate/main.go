package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/structgate/internal/codec"
	"github.com/danielpatrickdp/structgate/internal/config"
	"github.com/danielpatrickdp/structgate/internal/engine"
	"github.com/danielpatrickdp/structgate/internal/gate"
	"github.com/danielpatrickdp/structgate/internal/model"
	"github.com/danielpatrickdp/structgate/internal/signals"
	"github.com/danielpatrickdp/structgate/internal/store"
	"github.com/danielpatrickdp/structgate/internal/stream"
	"golang.org/x/term"
	"google.golang.org/grpc"
)

// Model sources accepted by -model.
const (
	sourceFake      = "fake"
	sourceSynthetic = "synthetic"
	sourceGRPC      = "grpc"
)

// #region main
func main() {
	configPath := flag.String("config", "structgate.yaml", "YAML config path (defaults apply when missing)")
	source := flag.String("model", sourceFake, "model source: fake | synthetic | grpc")
	prompt := flag.String("prompt", "", "prompt to generate for; starts an interactive shell when empty")
	maxTokens := flag.Int("max-tokens", 20, "tokens per generation")
	seed := flag.Uint64("seed", 1, "seed for fake and synthetic models")
	synthMode := flag.String("synthetic-mode", model.ModeHealthy, "synthetic hidden states: healthy | collapse | explosion")
	noDB := flag.Bool("no-db", false, "do not persist sessions")
	dashboard := flag.String("dashboard", "auto", "per-step dashboard: auto | on | off")
	serve := flag.String("serve", "", "serve the fake model over gRPC on this address instead of generating")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serve != "" {
		if err := serveModels(ctx, *serve, *seed); err != nil {
			log.Fatalf("model server: %v", err)
		}
		return
	}

	a := &app{
		cfg:       cfg,
		source:    *source,
		maxTokens: *maxTokens,
		seed:      *seed,
		synthMode: *synthMode,
		dashboard: showDashboard(*dashboard),
	}

	if !*noDB && cfg.Storage.DBPath != "" {
		st, err := store.NewStore(cfg.Storage.DBPath)
		if err != nil {
			log.Fatalf("failed to open store: %v", err)
		}
		defer st.Close()
		a.store = st
	}

	if cfg.Stream.Listen != "" {
		a.hub = stream.NewHub("")
		srv := &http.Server{Addr: cfg.Stream.Listen, Handler: a.hub, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[STREAM] listen: %v", err)
			}
		}()
		defer func() {
			a.hub.Close()
			srv.Close()
		}()
		log.Printf("[STREAM] listening on %s", cfg.Stream.Listen)
	}

	fmt.Println("StructGate ready.")
	fmt.Printf("  Model: %s | DB: %s | Stream: %s\n", a.source, dbLabel(a.store, cfg), orNone(cfg.Stream.Listen))

	if *prompt != "" {
		if err := a.generate(ctx, *prompt); err != nil {
			log.Fatalf("generate: %v", err)
		}
		return
	}
	if err := runShell(ctx, a); err != nil {
		log.Fatalf("shell: %v", err)
	}
}

// #endregion main

// #region app
type app struct {
	cfg       *config.Config
	source    string
	maxTokens int
	seed      uint64
	synthMode string
	dashboard bool
	store     *store.Store
	hub       *stream.Hub
}

func (a *app) newModel(prompt string) (model.Model, func(), error) {
	noop := func() {}
	switch a.source {
	case sourceFake:
		m, err := model.NewFake(prompt, a.maxTokens, a.seed)
		return m, noop, err
	case sourceSynthetic:
		sc := model.DefaultSyntheticConfig()
		sc.Mode = a.synthMode
		sc.Steps = a.maxTokens
		sc.Seed = a.seed
		m, err := model.NewSynthetic(sc)
		return m, noop, err
	case sourceGRPC:
		c, err := codec.NewClient(a.cfg.Codec.Addr, prompt, a.maxTokens)
		if err != nil {
			return nil, noop, err
		}
		return c, func() { c.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown model source %q", a.source)
}

// generate runs one gated generation for prompt and prints a summary.
func (a *app) generate(ctx context.Context, prompt string) error {
	m, closeModel, err := a.newModel(prompt)
	if err != nil {
		return fmt.Errorf("create model: %w", err)
	}
	defer closeModel()

	suite, err := signals.NewSuite(a.cfg.SuiteConfig())
	if err != nil {
		return fmt.Errorf("create suite: %w", err)
	}
	settings := a.cfg.GateSettings()
	g, err := settings.Build()
	if err != nil {
		return fmt.Errorf("create gate: %w", err)
	}

	opts := []engine.Option{engine.WithEvaluator(g)}
	if a.dashboard {
		opts = append(opts, engine.WithDashboard(os.Stdout))
	}
	var sinks []engine.Sink
	sessionID := ""
	if a.store != nil {
		cfgJSON, err := sessionConfig(a.cfg)
		if err != nil {
			return err
		}
		sess, err := a.store.CreateSession(a.source, prompt, cfgJSON)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = sess.ID
		sinks = append(sinks, store.NewRecorder(a.store, sess.ID, settings))
	}
	if a.hub != nil {
		a.hub.SetSession(sessionID)
		sinks = append(sinks, a.hub)
	}
	opts = append(opts, engine.WithSinks(sinks...))

	e := engine.New(m, suite, opts...)
	steps, err := e.Run(ctx, a.maxTokens)
	printSummary(sessionID, steps)
	if errors.Is(err, context.Canceled) {
		fmt.Println("generation cancelled")
		return nil
	}
	return err
}

func printSummary(sessionID string, steps []engine.Step) {
	counts := make(map[gate.Action]int)
	failed := 0
	for _, s := range steps {
		if s.Decision == nil {
			failed++
			continue
		}
		counts[s.Decision.Action]++
	}
	fmt.Printf("\n%d steps", len(steps))
	if sessionID != "" {
		fmt.Printf(" | session %s", sessionID)
	}
	fmt.Println()
	for _, act := range gate.DefaultTieBreakOrder {
		if counts[act] > 0 {
			fmt.Printf("  %-7s %d\n", act, counts[act])
		}
	}
	if failed > 0 {
		fmt.Printf("  %-7s %d\n", "ERROR", failed)
	}
}

// #endregion app

// #region serve
// serveModels exposes fake models over the model service until ctx ends.
func serveModels(ctx context.Context, addr string, seed uint64) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	codec.RegisterModelServiceServer(gs, codec.NewServer(func(prompt string, maxTokens int) (model.Model, error) {
		return model.NewFake(prompt, maxTokens, seed)
	}))
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	log.Printf("[CODEC] serving fake model on %s", lis.Addr())
	return gs.Serve(lis)
}

// #endregion serve

// #region helpers
func showDashboard(mode string) bool {
	switch mode {
	case "on":
		return true
	case "off":
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// sessionConfig serializes the config a session is recorded with, so replay
// can re-gate with the same thresholds.
func sessionConfig(cfg *config.Config) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode session config: %w", err)
	}
	return string(data), nil
}

func dbLabel(st *store.Store, cfg *config.Config) string {
	if st == nil {
		return "none"
	}
	return cfg.Storage.DBPath
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// #endregion helpers
