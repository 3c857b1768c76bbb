package engine

// Aggregate builds the report for a run. outcomes is keyed by each target's
// position in targets; workers finish in any order, so this is the one place
// that fixes result order. Indices without an outcome never started and are
// reported as cancelled with zero attempts.
func Aggregate(info RunInfo, targets []Target, outcomes map[int]Outcome) *RunReport {
	report := &RunReport{
		RunInfo: info,
		Results: make([]Result, len(targets)),
	}

	for i, target := range targets {
		out, ok := outcomes[i]
		if !ok || !out.State.IsTerminal() {
			out = Outcome{Index: i, Target: target, State: StateCancelled, Kind: KindCancelled, Attempts: out.Attempts}
		}
		res := Result{
			Index:      i,
			Target:     target.ID,
			Status:     out.State,
			Attempts:   out.Attempts,
			ErrorKind:  out.Kind,
			Payload:    out.Payload,
			StartedAt:  out.StartedAt,
			FinishedAt: out.FinishedAt,
		}
		if out.Err != nil {
			res.Error = out.Err.Error()
		} else if out.State == StateCancelled {
			res.Error = "run cancelled before target started"
		}
		if !out.StartedAt.IsZero() && !out.FinishedAt.IsZero() {
			res.Duration = out.FinishedAt.Sub(out.StartedAt)
		}
		report.Results[i] = res

		switch out.State {
		case StateSucceeded:
			report.Summary.Succeeded++
		case StateFailed:
			report.Summary.Failed++
		case StateCancelled:
			report.Summary.Cancelled++
		}
	}
	report.Summary.Total = len(targets)
	report.OverallStatus = overallStatus(report.Summary)
	return report
}

func overallStatus(s Summary) OverallStatus {
	switch {
	case s.Total > 0 && s.Succeeded == s.Total:
		return StatusAllSuccess
	case s.Succeeded == 0:
		return StatusAllFailed
	default:
		return StatusPartial
	}
}
