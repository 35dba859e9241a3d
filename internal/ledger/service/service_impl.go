package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smallbiznis/meterd/internal/balance"
	"github.com/smallbiznis/meterd/internal/clock"
	"github.com/smallbiznis/meterd/internal/ledger/domain"
	"github.com/smallbiznis/meterd/internal/observability/metrics"
	"github.com/smallbiznis/meterd/pkg/db"
	"github.com/smallbiznis/meterd/pkg/db/option"
	"github.com/smallbiznis/meterd/pkg/db/pagination"
	"github.com/smallbiznis/meterd/pkg/repository"
)

// BalanceObserver is told the new balance after every committed ledger
// mutation. Observers must not block and must not fail the mutation.
type BalanceObserver interface {
	BalanceChanged(ctx context.Context, orgID snowflake.ID, newBalance int64)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Balance  *balance.Cache   `optional:"true"`
	Observer BalanceObserver  `optional:"true"`
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	balance  *balance.Cache
	observer BalanceObserver
	metrics  *metrics.Metrics
	txs      repository.Repository[domain.CreditTransaction]
	balances repository.Repository[domain.CreditBalance]
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("ledger.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		balance:  p.Balance,
		observer: p.Observer,
		metrics:  p.Metrics,
		txs:      repository.ProvideStore[domain.CreditTransaction](p.DB),
		balances: repository.ProvideStore[domain.CreditBalance](p.DB),
	}
}

func (s *Service) AddCredits(ctx context.Context, orgID snowflake.ID, amount int64, source, note string) (int64, error) {
	if orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	if strings.TrimSpace(source) == "" {
		return 0, domain.ErrInvalidSource
	}

	now := s.clock.Now()
	row := &domain.CreditTransaction{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		Type:      domain.TransactionTypeAddition,
		Amount:    amount,
		TrueCost:  amount,
		Source:    source,
		Note:      note,
		CreatedAt: now,
	}

	var newBalance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		var err error
		newBalance, err = applyBalanceDelta(tx, orgID, amount, now)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.afterMutation(ctx, orgID, amount, newBalance)
	s.metrics.RecordCreditsAdded(ctx, source, amount)
	s.log.Info("credits added",
		zap.String("org_id", orgID.String()),
		zap.Int64("amount", amount),
		zap.String("source", source),
		zap.Int64("new_balance", newBalance),
	)
	return newBalance, nil
}

func (s *Service) RemoveCredits(ctx context.Context, req domain.RemoveCreditsRequest) (*domain.RemoveCreditsResult, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	// Zero is legal: pass-through usage is recorded as a zero-amount
	// audit row.
	if req.Amount < 0 {
		return nil, domain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, domain.ErrInvalidSource
	}

	trueCost := req.TrueCost
	if trueCost == 0 {
		trueCost = req.Amount
	}

	now := s.clock.Now()
	row := &domain.CreditTransaction{
		ID:        s.genID.Generate(),
		OrgID:     req.OrgID,
		Type:      domain.TransactionTypeSubtraction,
		Amount:    req.Amount,
		TrueCost:  trueCost,
		Source:    req.Source,
		StepID:    optional(req.StepID),
		ModelID:   optional(req.ModelID),
		ModelTier: optional(req.ModelTier),
		Note:      req.Note,
		Metadata:  req.Metadata,
		CreatedAt: now,
	}

	var newBalance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		var err error
		newBalance, err = applyBalanceDelta(tx, req.OrgID, -req.Amount, now)
		return err
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) && req.StepID != "" {
			return s.replay(ctx, req)
		}
		return nil, err
	}

	s.afterMutation(ctx, req.OrgID, -req.Amount, newBalance)
	s.metrics.RecordCreditsDebited(ctx, req.Source, req.Amount)
	return &domain.RemoveCreditsResult{TransactionID: row.ID, NewBalance: newBalance}, nil
}

// replay resolves a duplicate (org, step) insert to the transaction that
// won the race. The charge already happened; report it as settled.
func (s *Service) replay(ctx context.Context, req domain.RemoveCreditsRequest) (*domain.RemoveCreditsResult, error) {
	existing, err := s.txs.FindOne(ctx, &domain.CreditTransaction{OrgID: req.OrgID, StepID: optional(req.StepID)})
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, gorm.ErrRecordNotFound
	}

	current, err := s.GetBalance(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}

	s.log.Info("duplicate step debit replayed",
		zap.String("org_id", req.OrgID.String()),
		zap.String("step_id", req.StepID),
		zap.String("transaction_id", existing.ID.String()),
	)
	return &domain.RemoveCreditsResult{
		TransactionID: existing.ID,
		NewBalance:    current,
		Replayed:      true,
	}, nil
}

func (s *Service) GetBalance(ctx context.Context, orgID snowflake.ID) (int64, error) {
	if orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}

	var bal int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(balance), 0) FROM credit_balances WHERE org_id = ?`,
		orgID,
	).Scan(&bal).Error
	if err != nil {
		return 0, err
	}
	return bal, nil
}

func (s *Service) FindByStepID(ctx context.Context, stepID string) (*domain.CreditTransaction, error) {
	if strings.TrimSpace(stepID) == "" {
		return nil, nil
	}
	return s.txs.FindOne(ctx, &domain.CreditTransaction{StepID: &stepID})
}

func (s *Service) SumTrueCostInPeriod(ctx context.Context, orgID snowflake.ID, start, end time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(true_cost), 0)
		   FROM credit_transactions
		  WHERE org_id = ? AND type = ? AND created_at >= ? AND created_at < ?`,
		orgID, domain.TransactionTypeSubtraction, start, end,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Service) SumAdditionsBySource(ctx context.Context, orgID snowflake.ID, source string, start, end time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		   FROM credit_transactions
		  WHERE org_id = ? AND type = ? AND source = ? AND created_at >= ? AND created_at < ?`,
		orgID, domain.TransactionTypeAddition, source, start, end,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Service) List(ctx context.Context, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	if req.OrgID == 0 {
		return domain.ListTransactionsResponse{}, domain.ErrInvalidOrganization
	}

	size := req.PageSize
	if size <= 0 {
		size = 10
	}

	rows, err := s.txs.Find(ctx, &domain.CreditTransaction{OrgID: req.OrgID},
		option.ApplyPagination(req.Pagination),
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Desc: true}),
	)
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	// Snowflake ids are time ordered, so the id alone is a sufficient
	// cursor.
	pageInfo := pagination.BuildCursorPageInfo(rows, int32(size), func(tx *domain.CreditTransaction) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: tx.ID.String()})
		return token
	})
	if len(rows) > size {
		rows = rows[:size]
	}

	return domain.ListTransactionsResponse{Transactions: rows, PageInfo: pageInfo}, nil
}

// afterMutation mirrors the committed balance into the cache and tells
// the observer. Neither may fail the ledger write.
func (s *Service) afterMutation(ctx context.Context, orgID snowflake.ID, delta, newBalance int64) {
	if s.balance != nil {
		if _, err := s.balance.IncrBy(ctx, orgID, delta); err != nil {
			s.log.Warn("balance cache write-through failed",
				zap.String("org_id", orgID.String()), zap.Error(err))
		}
	}
	if s.observer != nil {
		s.observer.BalanceChanged(ctx, orgID, newBalance)
	}
}

// applyBalanceDelta adjusts the running balance inside the ledger
// transaction and returns the post-mutation value. The balance row is
// created lazily on first movement.
func applyBalanceDelta(tx *gorm.DB, orgID snowflake.ID, delta int64, now time.Time) (int64, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.CreditBalance{OrgID: orgID, UpdatedAt: now}).Error; err != nil {
		return 0, err
	}

	res := tx.Exec(
		`UPDATE credit_balances SET balance = balance + ?, updated_at = ? WHERE org_id = ?`,
		delta, now, orgID,
	)
	if res.Error != nil {
		return 0, res.Error
	}

	var bal int64
	if err := tx.Raw(`SELECT balance FROM credit_balances WHERE org_id = ?`, orgID).Scan(&bal).Error; err != nil {
		return 0, err
	}
	return bal, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

var Module = fx.Module("ledger",
	fx.Provide(NewService),
)
