package domain

import "time"

// Ledger entry kinds
const (
	LedgerKindQuery = "query"
	LedgerKindIndex = "index"
)

// LedgerEntry is one append-only cost record.
type LedgerEntry struct {
	ID               int64     `json:"id"`
	PrincipalID      int64     `json:"principal_id"`
	CollectionID     int64     `json:"collection_id,omitempty"`
	Kind             string    `json:"kind"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	IndexTokens      int64     `json:"index_tokens"`
	CostMicros       int64     `json:"cost_micros"`
	Estimated        bool      `json:"estimated"`
	CreatedAt        time.Time `json:"created_at"`
}

// CostSummary is the month-to-date view for one principal.
type CostSummary struct {
	PrincipalID    int64  `json:"principal_id"`
	MonthToDate    string `json:"month_to_date_usd"`
	MonthToDateRaw int64  `json:"month_to_date_micros"`
	Limit          string `json:"monthly_limit_usd,omitempty"`
	Remaining      string `json:"remaining_usd,omitempty"`
	Unlimited      bool   `json:"unlimited"`
}

// AuditRecord is an administrative action log row.
type AuditRecord struct {
	ID          int64          `json:"id"`
	PrincipalID int64          `json:"principal_id"`
	Action      string         `json:"action"`
	TargetType  string         `json:"target_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
