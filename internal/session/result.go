package session

type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusSeeding      Status = "SEEDING"
	StatusRunning      Status = "RUNNING"
	StatusShuttingDown Status = "SHUTTING_DOWN"
	StatusCompleted    Status = "COMPLETED"
	StatusFatal        Status = "FATAL"
)

type StopReason string

const (
	StopCompleted      StopReason = "completed"
	StopStaleData      StopReason = "stale_data"
	StopCircuitBreaker StopReason = "circuit_breaker"
	StopKillSwitch     StopReason = "kill_switch"
	StopFatalError     StopReason = "fatal_error"
	StopCancelled      StopReason = "cancelled"
)

type EquityPoint struct {
	At     int64   `json:"at"`
	Equity float64 `json:"equity"`
}

// Result is what Run returns once the session has fully wound down.
type Result struct {
	SessionID    string        `json:"session_id"`
	Status       Status        `json:"status"`
	StopReason   StopReason    `json:"stop_reason"`
	ErrorCount   int           `json:"error_count"`
	StartEquity  float64       `json:"start_equity"`
	FinalEquity  float64       `json:"final_equity"`
	FundingPaid  float64       `json:"funding_paid"`
	Fills        int           `json:"fills"`
	Exits        int           `json:"exits"`
	Rejections   int           `json:"rejections"`
	Dropped      int           `json:"dropped"`
	EquityCurve  []EquityPoint `json:"equity_curve"`
	StartedAtMS  int64         `json:"started_at"`
	FinishedAtMS int64         `json:"finished_at"`
}
