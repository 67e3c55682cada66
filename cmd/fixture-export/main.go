package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/structgate/internal/store"
	"github.com/danielpatrickdp/structgate/internal/trace"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to structgate.db")
	session := flag.String("session", "", "session to export (defaults to the most recent)")
	outPath := flag.String("out", "", "output trace JSON path")
	verify := flag.String("verify", "", "validate and digest-check an exported trace instead of exporting")
	flag.Parse()

	if *verify != "" {
		if err := runVerify(*verify); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *dbPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --db path/to/db --out path/to/trace.json [--session id]")
		fmt.Fprintln(os.Stderr, "       fixture-export --verify path/to/trace.json")
		os.Exit(2)
	}

	if err := run(*dbPath, *session, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region export

func run(dbPath, sessionID, outPath string) error {
	st, err := store.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()

	if sessionID == "" {
		recent, err := st.ListSessions(1)
		if err != nil {
			return err
		}
		if len(recent) == 0 {
			return fmt.Errorf("no sessions in %s", dbPath)
		}
		sessionID = recent[0].ID
	}

	sess, err := st.GetSession(sessionID)
	if err != nil {
		return err
	}
	rows, err := st.ListSteps(sessionID)
	if err != nil {
		return err
	}

	doc, err := trace.Write(outPath, trace.FromSession(sess, rows))
	if err != nil {
		return err
	}
	fmt.Printf("Exported session %s: %d steps -> %s\n", doc.SessionID, len(doc.Steps), outPath)
	fmt.Printf("  digest: %s\n", doc.Digest)
	return nil
}

func runVerify(path string) error {
	doc, err := trace.Load(path)
	if err != nil {
		return err
	}
	if doc.Digest == "" {
		fmt.Printf("%s: valid, unsealed (%d steps)\n", path, len(doc.Steps))
		return nil
	}
	fmt.Printf("%s: valid, digest %s (%d steps)\n", path, doc.Digest, len(doc.Steps))
	return nil
}

// #endregion export
