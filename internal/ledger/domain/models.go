// Package domain contains the append-only credit ledger models. The
// ledger is the single source of truth for balances; the cache mirror is
// latency-only.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType marks a ledger movement as an addition or subtraction.
// Amounts are always non-negative; the type carries the sign.
type TransactionType string

const (
	TransactionTypeAddition    TransactionType = "addition"
	TransactionTypeSubtraction TransactionType = "subtraction"
)

// Well-known transaction sources.
const (
	SourceInference  = "inference"
	SourceAutoTopUp  = "auto_top_up"
	SourcePurchase   = "purchase"
	SourceAdjustment = "adjustment"
	SourceByokAudit  = "byok_audit"
)

// CreditTransaction is an immutable ledger row. At most one transaction
// may exist per (org_id, step_id) pair; that uniqueness is the
// idempotency anchor for step billing. Rows are never updated or deleted.
type CreditTransaction struct {
	ID    snowflake.ID    `gorm:"primaryKey"`
	OrgID snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_credit_tx_org_step,priority:1"`
	Type  TransactionType `gorm:"type:text;not null"`
	// Amount is the credits actually moved. TrueCost is the undiscounted
	// cost and may exceed Amount when usage is subsidized by an allowance
	// or a grandfathered plan.
	Amount    int64             `gorm:"not null"`
	TrueCost  int64             `gorm:"not null"`
	Source    string            `gorm:"type:text;not null;index"`
	StepID    *string           `gorm:"type:text;uniqueIndex:ux_credit_tx_org_step,priority:2"`
	ModelID   *string           `gorm:"type:text"`
	ModelTier *string           `gorm:"type:text"`
	Note      string            `gorm:"type:text"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// CreditBalance is the durable running balance, maintained exclusively by
// atomic increments alongside ledger inserts. Invariant:
// balance == Σ(additions) - Σ(subtractions).
type CreditBalance struct {
	OrgID     snowflake.ID `gorm:"primaryKey"`
	Balance   int64        `gorm:"not null;default:0"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditBalance) TableName() string { return "credit_balances" }
