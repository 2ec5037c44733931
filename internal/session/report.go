package session

import (
	"marlin/internal/logger"
	"marlin/internal/store"
)

// writeReport emits the final structured report. It always states the stop
// reason and error count, whatever path ended the session.
func (r *Runner) writeReport(result *Result) {
	r.emit("session_report", ClassInfo, map[string]any{
		"status":       string(result.Status),
		"stop_reason":  string(result.StopReason),
		"error_count":  result.ErrorCount,
		"start_equity": result.StartEquity,
		"final_equity": result.FinalEquity,
		"funding_paid": result.FundingPaid,
		"fills":        result.Fills,
		"exits":        result.Exits,
		"rejections":   result.Rejections,
		"dropped":      result.Dropped,
	})
	if r.deps.Runs != nil {
		run := &store.RunModel{
			SessionID:   result.SessionID,
			Status:      string(result.Status),
			StopReason:  string(result.StopReason),
			ErrorCount:  result.ErrorCount,
			StartEquity: result.StartEquity,
			FinalEquity: result.FinalEquity,
			StartedAt:   result.StartedAtMS,
			FinishedAt:  result.FinishedAtMS,
		}
		if err := r.deps.Runs.SaveRun(run); err != nil {
			logger.Warnf("session %s: final run row not saved: %v", r.id, err)
		}
	}
	logger.Infof("session %s finished: status=%s reason=%s errors=%d equity %.2f -> %.2f (fills=%d exits=%d)",
		result.SessionID, result.Status, result.StopReason, result.ErrorCount,
		result.StartEquity, result.FinalEquity, result.Fills, result.Exits)
}
