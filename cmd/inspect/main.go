package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danielpatrickdp/structgate/internal/logging"
	"github.com/danielpatrickdp/structgate/internal/store"
	"github.com/danielpatrickdp/structgate/internal/trace"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to structgate.db")
	last := flag.Int("last", 20, "show N most recent sessions")
	session := flag.String("session", "", "show per-step detail for one session")
	votes := flag.Bool("votes", false, "include per-policy votes in session detail")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/structgate.db [--last N] [--session id [--votes]] [--json]")
		os.Exit(2)
	}

	st, err := store.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if *session != "" {
		err = runDetailMode(st, *session, *votes, *jsonOut)
	} else {
		err = runListMode(st, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	Prompt    string `json:"prompt,omitempty"`
	Steps     int    `json:"steps"`
	Refused   int    `json:"refused"`
	Delayed   int    `json:"delayed"`
	Errors    int    `json:"errors"`
	CreatedAt string `json:"created_at"`
}

func runListMode(st *store.Store, last int, jsonOut bool) error {
	sessions, err := st.ListSessions(last)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(os.Stderr, "no sessions found")
		return nil
	}

	rows := make([]listRow, 0, len(sessions))
	for _, sess := range sessions {
		steps, err := st.ListSteps(sess.ID)
		if err != nil {
			return err
		}
		lr := listRow{
			SessionID: sess.ID,
			Source:    sess.Source,
			Prompt:    sess.Prompt,
			Steps:     len(steps),
			CreatedAt: sess.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		for _, s := range steps {
			switch {
			case s.DecisionErr != "":
				lr.Errors++
			case s.Action == "REFUSE":
				lr.Refused++
			case s.Action == "DELAY":
				lr.Delayed++
			}
		}
		rows = append(rows, lr)
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-36s  %-9s  %5s  %5s  %5s  %5s  %-20s  %s\n", "SESSION", "SOURCE", "STEPS", "REF", "DLY", "ERR", "CREATED", "PROMPT")
	fmt.Println(strings.Repeat("-", 120))
	for _, r := range rows {
		fmt.Printf("%-36s  %-9s  %5d  %5d  %5d  %5d  %-20s  %s\n",
			r.SessionID, r.Source, r.Steps, r.Refused, r.Delayed, r.Errors, r.CreatedAt, truncate(r.Prompt, 30))
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailRow struct {
	trace.Entry
	Votes []voteRow `json:"votes,omitempty"`
}

type voteRow struct {
	Policy string `json:"policy"`
	Action string `json:"action"`
	Reason string `json:"reason"`
}

func runDetailMode(st *store.Store, sessionID string, withVotes, jsonOut bool) error {
	sess, err := st.GetSession(sessionID)
	if err != nil {
		return err
	}
	steps, err := st.ListSteps(sessionID)
	if err != nil {
		return err
	}
	doc := trace.FromSession(sess, steps)

	votesByStep := map[int][]voteRow{}
	if withVotes {
		entries, err := logging.ListDecisions(st.DB(), sessionID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			rec, err := logging.DecodeRecord(e)
			if err != nil {
				continue
			}
			for _, v := range rec.Votes {
				votesByStep[e.Step] = append(votesByStep[e.Step], voteRow{Policy: v.Policy, Action: string(v.Action), Reason: v.Reason})
			}
		}
	}

	rows := make([]detailRow, len(doc.Steps))
	for i, e := range doc.Steps {
		rows[i] = detailRow{Entry: e, Votes: votesByStep[e.Step]}
	}

	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("Session %s (%s)\n", sess.ID, sess.Source)
	if sess.Prompt != "" {
		fmt.Printf("Prompt: %s\n", sess.Prompt)
	}
	fmt.Println()
	fmt.Printf("%-5s %-12s %-8s %-8s %-8s %-10s %-8s %-7s %s\n", "STEP", "TOKEN", "ENTROPY", "MARGIN", "DELTA", "ENERGY", "SV", "ACTION", "JUSTIFICATION")
	fmt.Println(strings.Repeat("-", 120))
	for _, r := range rows {
		m := r.Metrics
		action, reason := r.Action, r.Justification
		if r.DecisionError != "" {
			action, reason = "ERROR", r.DecisionError
		}
		fmt.Printf("%-5d %-12s %-8s %-8s %-8s %-10s %-8s %-7s %s\n",
			r.Step, truncate(r.Token, 12),
			m.Entropy.Format(4, "----"), m.Margin.Format(4, "----"), m.LayerDelta.Format(4, "----"),
			m.ActivationEnergy.Format(2, "----"), m.SVRatio.Format(4, "WAIT"),
			orDash(action), reason)
		for _, f := range r.Failures {
			fmt.Printf("      ! %s probe: %s\n", f.Probe, f.Err)
		}
		for _, v := range r.Votes {
			fmt.Printf("      - %-18s %-7s %s\n", v.Policy, v.Action, v.Reason)
		}
	}
	return nil
}

// #endregion detail-mode

// #region helpers

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
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
