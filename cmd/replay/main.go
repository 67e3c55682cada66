package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danielpatrickdp/structgate/internal/config"
	"github.com/danielpatrickdp/structgate/internal/gate"
	"github.com/danielpatrickdp/structgate/internal/replay"
	"github.com/danielpatrickdp/structgate/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to structgate.db (DB mode)")
	session := flag.String("session", "", "session to re-gate (DB mode)")
	fixturePath := flag.String("fixture", "", "path to fixture JSON (fixture mode)")
	configPath := flag.String("config", "", "YAML config whose gate section re-gates stored steps (DB mode)")
	flag.Parse()

	dbMode := *dbPath != "" && *session != ""
	if dbMode == (*fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --db path/to/structgate.db --session id [--config structgate.yaml]")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.json")
		os.Exit(2)
	}

	var exitCode int
	if *fixturePath != "" {
		exitCode = runFixtureMode(*fixturePath)
	} else {
		exitCode = runDBMode(*dbPath, *session, *configPath)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region db-mode

func runDBMode(dbPath, sessionID, configPath string) int {
	st, err := store.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer st.Close()

	settings, err := settingsFor(st, sessionID, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		return 2
	}

	rows, err := st.ListSteps(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list steps: %v\n", err)
		return 2
	}
	if len(rows) == 0 {
		fmt.Fprintf(os.Stderr, "no steps stored for session %s\n", sessionID)
		return 2
	}

	results, err := replay.ReplayStored(rows, settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}

	fmt.Printf("Replaying session %s (%d steps)\n\n", sessionID, len(results))
	fmt.Printf("%-6s %-12s %-8s %-8s %s\n", "STEP", "TOKEN", "BEFORE", "AFTER", "REASON")
	fmt.Println(strings.Repeat("-", 80))
	for _, r := range results {
		after := r.Action
		reason := r.Reason
		if after == "" {
			after = "ERROR"
			reason = r.Err
		}
		marker := ""
		if r.Changed() {
			marker = " *"
		}
		fmt.Printf("%-6d %-12s %-8s %-8s %s%s\n", r.Step, truncate(r.Token, 12), orDash(r.Previous), after, reason, marker)
	}

	s := replay.Summarize(results)
	printSummary(s)
	fmt.Printf("Changed: %d\n", s.Changed)
	return 0
}

// settingsFor uses the config file gate section when given, else the
// thresholds the session was recorded with.
func settingsFor(st *store.Store, sessionID, configPath string) (gate.Settings, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return gate.Settings{}, err
		}
		return cfg.GateSettings(), nil
	}
	sess, err := st.GetSession(sessionID)
	if err != nil {
		return gate.Settings{}, err
	}
	cfg := config.Default()
	if sess.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(sess.ConfigJSON), cfg); err != nil {
			return gate.Settings{}, fmt.Errorf("decode session config: %w", err)
		}
	}
	return cfg.GateSettings(), nil
}

// #endregion db-mode

// #region fixture-mode

func runFixtureMode(path string) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	results, err := replay.Replay(context.Background(), f.Traces(), f.Config.ToReplayConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}

	fmt.Printf("Fixture: %s\n", f.Description)
	fmt.Printf("%-6s %-12s %-8s %-8s %s\n", "STEP", "TOKEN", "ACTION", "SV", "REASON")
	fmt.Println(strings.Repeat("-", 80))
	for _, r := range results {
		action := r.Action
		reason := r.Reason
		if action == "" {
			action = "ERROR"
			reason = r.Err
		}
		fmt.Printf("%-6d %-12s %-8s %-8s %s\n", r.Step, truncate(r.Token, 12), action, r.Metrics.SVRatio.Format(4, "----"), reason)
	}
	printSummary(replay.Summarize(results))

	mismatches := replay.Compare(results, f.ExpectedResults)
	if len(mismatches) == 0 {
		fmt.Printf("\nPASS: all %d expected actions matched\n", len(f.ExpectedResults))
		return 0
	}
	fmt.Printf("\nFAIL: %d mismatches\n", len(mismatches))
	for _, m := range mismatches {
		fmt.Printf("  step %d: expected %s, got %s (%s)\n", m.Step, m.Expected, orDash(m.Actual), m.Reason)
	}
	return 1
}

// #endregion fixture-mode

// #region helpers

func printSummary(s replay.ReplaySummary) {
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("Total: %d | Allow: %d | Refuse: %d | Noop: %d | Delay: %d | Errors: %d\n",
		s.TotalSteps, s.Allows, s.Refuses, s.Noops, s.Delays, s.Errors)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// #endregion helpers
