package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	ledgerdomain "github.com/smallbiznis/meterd/internal/ledger/domain"
	organizationdomain "github.com/smallbiznis/meterd/internal/organization/domain"
	"github.com/smallbiznis/meterd/pkg/db/pagination"
)

func (s *Server) resolveOrg(c *gin.Context) (*organizationdomain.Organization, bool) {
	ref := strings.TrimSpace(c.Param("org"))
	if ref == "" {
		AbortWithError(c, newValidationError("org", "required", "organization reference is required"))
		return nil, false
	}

	org, err := s.organizationSvc.ResolveByRef(c.Request.Context(), ref)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	return org, true
}

type addCreditsRequest struct {
	Amount int64  `json:"amount"`
	Source string `json:"source"`
	Note   string `json:"note"`
}

func (s *Server) AddCredits(c *gin.Context) {
	org, ok := s.resolveOrg(c)
	if !ok {
		return
	}

	var req addCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = ledgerdomain.SourcePurchase
	}

	newBalance, err := s.ledgerSvc.AddCredits(c.Request.Context(), org.ID, req.Amount, source, strings.TrimSpace(req.Note))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"organization_id": org.ID.String(),
		"new_balance":     newBalance,
	})
}

func (s *Server) GetBalance(c *gin.Context) {
	org, ok := s.resolveOrg(c)
	if !ok {
		return
	}

	bal, err := s.balanceCache.Get(c.Request.Context(), org.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"organization_id": org.ID.String(),
		"balance":         bal,
	})
}

type transactionView struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Amount    int64                  `json:"amount"`
	TrueCost  int64                  `json:"true_cost"`
	Source    string                 `json:"source"`
	StepID    *string                `json:"step_id,omitempty"`
	ModelID   *string                `json:"model_id,omitempty"`
	ModelTier *string                `json:"model_tier,omitempty"`
	Note      string                 `json:"note,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func (s *Server) ListTransactions(c *gin.Context) {
	org, ok := s.resolveOrg(c)
	if !ok {
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.List(c.Request.Context(), ledgerdomain.ListTransactionsRequest{
		OrgID:      org.ID,
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]transactionView, 0, len(resp.Transactions))
	for _, tx := range resp.Transactions {
		views = append(views, transactionView{
			ID:        tx.ID.String(),
			Type:      string(tx.Type),
			Amount:    tx.Amount,
			TrueCost:  tx.TrueCost,
			Source:    tx.Source,
			StepID:    tx.StepID,
			ModelID:   tx.ModelID,
			ModelTier: tx.ModelTier,
			Note:      tx.Note,
			Metadata:  tx.Metadata,
			CreatedAt: tx.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": views,
		"page_info":    resp.PageInfo,
	})
}

func (s *Server) EvaluateAutoTopUp(c *gin.Context) {
	org, ok := s.resolveOrg(c)
	if !ok {
		return
	}

	result, err := s.topUpController.Evaluate(c.Request.Context(), org.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"triggered":     result.Triggered,
		"credits_added": result.CreditsAdded,
		"reason":        result.Reason,
	})
}
