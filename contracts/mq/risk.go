package mq

import "time"

// Routing keys
const (
	RoutingRiskScanRequested = "project.risk_scan.requested"
	RoutingRiskDetected      = "risk.detected"
	RoutingRiskUpdated       = "risk.updated"
	RoutingRiskStatusChanged = "risk.status_changed"
)

// RiskScanRequestedPayload 触发一次项目风险检测（定时任务或手动触发）
type RiskScanRequestedPayload struct {
	ProjectID   int       `json:"project_id"`
	RequestedAt time.Time `json:"requested_at"`
	TraceID     string    `json:"trace_id,omitempty"`
}

// RiskEventPayload risk.detected / risk.updated 的消息体
type RiskEventPayload struct {
	RiskID      string    `json:"risk_id"`
	ProjectID   int       `json:"project_id"`
	Category    string    `json:"category"`
	Probability float64   `json:"probability"`
	Impact      float64   `json:"impact"`
	Description string    `json:"description"`
	Mitigation  string    `json:"mitigation"`
	DetectedAt  time.Time `json:"detected_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	TraceID     string    `json:"trace_id,omitempty"`
}

type RiskStatusChangedPayload struct {
	RiskID     string    `json:"risk_id"`
	ProjectID  int       `json:"project_id"`
	Category   string    `json:"category"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ChangedAt  time.Time `json:"changed_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}
