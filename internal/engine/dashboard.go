package engine

import (
	"fmt"
)

// FormatDashboard renders a compact status line for one step:
//
//	['tok'] 	| SVD: 0.9312 | Delta: 0.0104 | Ent: 0.0012 | Gate: DELAY
//
// Absent metrics print as WAIT (sv_ratio) or ---- (others).
func FormatDashboard(s Step) string {
	line := fmt.Sprintf("['%s'] \t| SVD: %s | Delta: %s | Ent: %s",
		s.Token,
		s.Metrics.SVRatio.Format(4, "WAIT"),
		s.Metrics.LayerDelta.Format(4, "----"),
		s.Metrics.Entropy.Format(4, "----"),
	)
	switch {
	case s.Decision != nil:
		line += " | Gate: " + string(s.Decision.Action)
	case s.DecisionErr != "":
		line += " | Gate: ERROR"
	}
	return line
}
