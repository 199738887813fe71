package judge

import "github.com/hupe1980/agentcore/graph"

var verdictRank = map[graph.Verdict]int{
	graph.VerdictContinue: 0,
	graph.VerdictRetry:    1,
	graph.VerdictAccept:   1,
	graph.VerdictEscalate: 2,
}

// Combine resolves multiple judgments arising from the same visit (e.g. a
// rule and a structural check both firing) into one, per the tie-break order
// ESCALATE > RETRY/ACCEPT > CONTINUE. ACCEPT and RETRY never co-occur from a
// single source in practice, but both outrank CONTINUE.
func Combine(judgments ...graph.Judgment) graph.Judgment {
	if len(judgments) == 0 {
		return graph.Judgment{Verdict: graph.VerdictContinue}
	}
	best := judgments[0]
	for _, j := range judgments[1:] {
		if verdictRank[j.Verdict] > verdictRank[best.Verdict] {
			best = j
		}
	}
	return best
}
