package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterd/pkg/db/pagination"
	"gorm.io/datatypes"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidSource       = errors.New("invalid_source")
)

// RemoveCreditsRequest describes one debit. Amount is the credits to
// subtract from the balance; TrueCost defaults to Amount when zero and
// records the undiscounted cost. StepID, when set, makes the debit
// idempotent per (org, step).
type RemoveCreditsRequest struct {
	OrgID     snowflake.ID
	Amount    int64
	TrueCost  int64
	Source    string
	StepID    string
	ModelID   string
	ModelTier string
	Note      string
	Metadata  datatypes.JSONMap
}

// RemoveCreditsResult reports the transaction that covers the debit. On
// an idempotent replay Replayed is true and NewBalance is the current
// balance, not a post-debit value.
type RemoveCreditsResult struct {
	TransactionID snowflake.ID
	NewBalance    int64
	Replayed      bool
}

type ListTransactionsRequest struct {
	OrgID snowflake.ID
	pagination.Pagination
}

type ListTransactionsResponse struct {
	Transactions []*CreditTransaction `json:"transactions"`
	PageInfo     *pagination.PageInfo `json:"page_info"`
}

// Service is the authoritative credit ledger.
type Service interface {
	// AddCredits appends an addition row and atomically increments the
	// durable balance. Amount must be a positive integer.
	AddCredits(ctx context.Context, orgID snowflake.ID, amount int64, source, note string) (int64, error)
	// RemoveCredits appends a subtraction row. If a transaction already
	// exists for (org, step) the call is a replay: it returns the
	// existing transaction id and the current balance without error.
	RemoveCredits(ctx context.Context, req RemoveCreditsRequest) (*RemoveCreditsResult, error)
	// GetBalance reads the durable balance, bypassing the cache.
	GetBalance(ctx context.Context, orgID snowflake.ID) (int64, error)
	// FindByStepID locates the transaction recorded for a step, if any.
	FindByStepID(ctx context.Context, stepID string) (*CreditTransaction, error)
	// SumTrueCostInPeriod totals true cost across all subtraction rows
	// inside [start, end]; used to rebuild the recurring pool counter.
	SumTrueCostInPeriod(ctx context.Context, orgID snowflake.ID, start, end time.Time) (int64, error)
	// SumAdditionsBySource totals addition amounts for one source inside
	// [start, end]; used for the auto top-up monthly spend cap.
	SumAdditionsBySource(ctx context.Context, orgID snowflake.ID, source string, start, end time.Time) (int64, error)
	List(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}
