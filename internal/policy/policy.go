// Package policy loads the single policy.yaml configuration namespace
// (orchestrator.*, approval.*, enforcement.*, overnight.*, telegram.*,
// risk_patterns.*) that every other component reads at process start.
package policy

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// EscalationPath configures one event type's progressive escalation path.
type EscalationPath struct {
	Levels          []string `yaml:"levels"`           // ordered subset of warning/block/reassign/human
	CooldownSeconds int      `yaml:"cooldown_seconds"` // minimum seconds between level advances
	AutoDeEscalate  bool     `yaml:"auto_de_escalate"` // whether a cleared condition resolves the event
}

// OrchestratorConfig holds PM daemon tuning knobs.
type OrchestratorConfig struct {
	MaxAgents         int     `yaml:"max_agents"`
	TickIntervalMs    int     `yaml:"tick_interval_ms"`
	BudgetPerAgentUSD float64 `yaml:"budget_per_agent_usd"`
	StaleSessionSecs  int     `yaml:"stale_session_seconds"`
	LeaseMinutes      int     `yaml:"lease_minutes"`
	OtelEndpoint      string  `yaml:"otel_endpoint"`
	DailyReportCron   string  `yaml:"daily_report_cron"`
	ArchiveRotateCron string  `yaml:"archive_rotate_cron"`
}

// ApprovalConfig controls peer-review gating.
type ApprovalConfig struct {
	RequireReview       bool `yaml:"require_review"`
	LightweightMaxLines int  `yaml:"lightweight_max_lines"`
	TelegramTimeoutMin  int  `yaml:"telegram_timeout_minutes"`
}

// QualityArea configures one per-area quality threshold.
type QualityArea struct {
	Threshold float64 `yaml:"threshold"`
}

// EnforcementConfig controls the quality gate and per-task grace periods.
type EnforcementConfig struct {
	DefaultQualityThreshold float64                `yaml:"default_quality_threshold"`
	RegressionCap           float64                `yaml:"regression_cap"`
	GraceDays               int                    `yaml:"grace_days"`
	GraceRelaxPct           float64                `yaml:"grace_relax_pct"`
	QualityAreas            map[string]QualityArea `yaml:"quality_areas"`
	PerTaskWarnTokens       int                    `yaml:"per_task_warn_tokens"`
	PerTaskBlockTokens      int                    `yaml:"per_task_block_tokens"`
	PerAgentDayWarnTokens   int                    `yaml:"per_agent_day_warn_tokens"`
	PerAgentDayBlockTokens  int                    `yaml:"per_agent_day_block_tokens"`
	PerDayWarnTokens        int                    `yaml:"per_day_warn_tokens"`
	PerDayBlockTokens       int                    `yaml:"per_day_block_tokens"`
	CostPerMillionTokens    float64                `yaml:"cost_per_million_tokens"`
}

// OvernightConfig controls the overnight run state machine.
type OvernightConfig struct {
	TaskErrorBudget  int `yaml:"task_error_budget"`
	TotalErrorBudget int `yaml:"total_error_budget"`
	DrainTimeoutMin  int `yaml:"drain_timeout_minutes"`
}

// TelegramConfig controls the Telegram inbox/outbox processor.
type TelegramConfig struct {
	BotTokenEnv        string  `yaml:"bot_token_env"`
	AllowedChatIDs     []int64 `yaml:"allowed_chat_ids"`
	ApprovalTimeoutMin int     `yaml:"approval_timeout_minutes"`
	ConversationTurns  int     `yaml:"conversation_turns"`
}

// RiskPattern flags a glob of paths as requiring extra scrutiny (used by
// the drift scan and quality gate to weight findings).
type RiskPattern struct {
	Glob   string `yaml:"glob"`
	Reason string `yaml:"reason"`
}

// Policy is the full serializable policy.yaml document.
type Policy struct {
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Approval     ApprovalConfig            `yaml:"approval"`
	Enforcement  EnforcementConfig         `yaml:"enforcement"`
	Overnight    OvernightConfig           `yaml:"overnight"`
	Telegram     TelegramConfig            `yaml:"telegram"`
	RiskPatterns []RiskPattern             `yaml:"risk_patterns"`
	Escalation   map[string]EscalationPath `yaml:"escalation"`
}

// defaultEscalationPaths is the built-in per-event-type escalation
// ladder, overridable per event type in policy.yaml.
func defaultEscalationPaths() map[string]EscalationPath {
	return map[string]EscalationPath{
		"drift": {
			Levels:          []string{"warning", "block", "reassign", "human"},
			CooldownSeconds: 120,
			AutoDeEscalate:  true,
		},
		"test_failure": {
			Levels:          []string{"warning", "reassign", "human"},
			CooldownSeconds: 60,
			AutoDeEscalate:  true,
		},
		"budget_exceeded": {
			Levels:          []string{"warning", "block", "human"},
			CooldownSeconds: 300,
			AutoDeEscalate:  false,
		},
		"merge_conflict": {
			Levels:          []string{"warning", "block", "reassign", "human"},
			CooldownSeconds: 60,
			AutoDeEscalate:  true,
		},
		"agent_unresponsive": {
			Levels:          []string{"warning", "reassign", "human"},
			CooldownSeconds: 30,
			AutoDeEscalate:  false,
		},
	}
}

// Default returns a policy with every documented default applied.
func Default() Policy {
	return Policy{
		Orchestrator: OrchestratorConfig{
			MaxAgents:         6,
			TickIntervalMs:    30000,
			BudgetPerAgentUSD: 0,
			StaleSessionSecs:  120,
			LeaseMinutes:      30,
			DailyReportCron:   "0 8 * * *",
			ArchiveRotateCron: "0 2 * * *",
		},
		Approval: ApprovalConfig{
			RequireReview:       true,
			LightweightMaxLines: 50,
			TelegramTimeoutMin:  60,
		},
		Enforcement: EnforcementConfig{
			DefaultQualityThreshold: 0.70,
			RegressionCap:           0.05,
			GraceDays:               7,
			GraceRelaxPct:           0.15,
			QualityAreas:            map[string]QualityArea{},
			PerTaskWarnTokens:       0,
			PerTaskBlockTokens:      0,
			CostPerMillionTokens:    10.0,
		},
		Overnight: OvernightConfig{
			TaskErrorBudget:  3,
			TotalErrorBudget: 10,
			DrainTimeoutMin:  15,
		},
		Telegram: TelegramConfig{
			ApprovalTimeoutMin: 60,
			ConversationTurns:  20,
		},
		Escalation: defaultEscalationPaths(),
	}
}

// Load reads path and merges it over Default(); a missing file is not an
// error (every field keeps its default). Escalation paths are merged
// per-event-type so a policy.yaml that only overrides one event type
// still gets the defaults for the rest.
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return p, nil
	}

	// Decode over the defaults so a key missing from a section that is
	// present keeps its default value.
	overlay := Default()
	overlay.Escalation = nil
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	mergeOverlay(&p, overlay, data)
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// mergeOverlay applies non-zero overlay fields onto defaults. Escalation
// entries are merged per key so a partial override doesn't drop the
// other event types' defaults.
func mergeOverlay(p *Policy, overlay Policy, raw []byte) {
	var generic map[string]interface{}
	_ = yaml.Unmarshal(raw, &generic)

	if _, ok := generic["orchestrator"]; ok {
		p.Orchestrator = overlay.Orchestrator
		if p.Orchestrator.MaxAgents == 0 {
			p.Orchestrator.MaxAgents = 6
		}
		if p.Orchestrator.TickIntervalMs == 0 {
			p.Orchestrator.TickIntervalMs = 30000
		}
		if p.Orchestrator.StaleSessionSecs == 0 {
			p.Orchestrator.StaleSessionSecs = 120
		}
		if p.Orchestrator.LeaseMinutes == 0 {
			p.Orchestrator.LeaseMinutes = 30
		}
		if p.Orchestrator.DailyReportCron == "" {
			p.Orchestrator.DailyReportCron = "0 8 * * *"
		}
		if p.Orchestrator.ArchiveRotateCron == "" {
			p.Orchestrator.ArchiveRotateCron = "0 2 * * *"
		}
	}
	if _, ok := generic["approval"]; ok {
		p.Approval = overlay.Approval
	}
	if _, ok := generic["enforcement"]; ok {
		merged := overlay.Enforcement
		if merged.DefaultQualityThreshold == 0 {
			merged.DefaultQualityThreshold = 0.70
		}
		if merged.RegressionCap == 0 {
			merged.RegressionCap = 0.05
		}
		if merged.GraceDays == 0 {
			merged.GraceDays = 7
		}
		if merged.GraceRelaxPct == 0 {
			merged.GraceRelaxPct = 0.15
		}
		if merged.CostPerMillionTokens == 0 {
			merged.CostPerMillionTokens = 10.0
		}
		if merged.QualityAreas == nil {
			merged.QualityAreas = map[string]QualityArea{}
		}
		p.Enforcement = merged
	}
	if _, ok := generic["overnight"]; ok {
		p.Overnight = overlay.Overnight
	}
	if _, ok := generic["telegram"]; ok {
		p.Telegram = overlay.Telegram
	}
	if _, ok := generic["risk_patterns"]; ok {
		p.RiskPatterns = overlay.RiskPatterns
	}
	defaults := defaultEscalationPaths()
	for eventType, path := range overlay.Escalation {
		defaults[eventType] = path
	}
	p.Escalation = defaults
}

func (p Policy) validate() error {
	for eventType, path := range p.Escalation {
		if len(path.Levels) == 0 {
			return fmt.Errorf("escalation path %q has no levels", eventType)
		}
		for _, lvl := range path.Levels {
			switch lvl {
			case "warning", "block", "reassign", "human":
			default:
				return fmt.Errorf("escalation path %q: unknown level %q", eventType, lvl)
			}
		}
	}
	return nil
}

// EscalationPathFor returns the configured path for eventType, falling
// back to the built-in default if policy.yaml didn't mention it.
func (p Policy) EscalationPathFor(eventType string) EscalationPath {
	if path, ok := p.Escalation[eventType]; ok {
		return path
	}
	return defaultEscalationPaths()[eventType]
}

// Cooldown returns the cooldown duration for eventType.
func (p Policy) Cooldown(eventType string) time.Duration {
	return time.Duration(p.EscalationPathFor(eventType).CooldownSeconds) * time.Second
}

// LeaseDuration returns the configured task-claim lease length.
func (p Policy) LeaseDuration() time.Duration {
	return time.Duration(p.Orchestrator.LeaseMinutes) * time.Minute
}

// Live wraps a Policy with hot-reload support guarded by a mutex; the
// config/policy fsnotify watcher calls Reload when policy.yaml changes.
type Live struct {
	mu   sync.RWMutex
	path string
	cur  Policy
}

// NewLive loads path once and returns a Live handle around it.
func NewLive(path string) (*Live, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Live{path: path, cur: p}, nil
}

// Get returns the current policy snapshot.
func (l *Live) Get() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// Reload re-reads policy.yaml from disk, keeping the previous snapshot on
// parse failure.
func (l *Live) Reload() error {
	p, err := Load(l.path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cur = p
	l.mu.Unlock()
	return nil
}
