package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/meterd/internal/admission"
	"github.com/smallbiznis/meterd/internal/step"
)

type chargeStepRequest struct {
	StepID            string `json:"step_id"`
	ModelName         string `json:"model_name"`
	ModelEndpoint     string `json:"model_endpoint"`
	ContextWindowSize int64  `json:"context_window_size"`
	OrganizationRef   string `json:"organization_ref"`
	ProviderCategory  string `json:"provider_category"`
}

type chargeStepResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	NewBalance    *int64 `json:"new_balance,omitempty"`
}

func (s *Server) ChargeStep(c *gin.Context) {
	var req chargeStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.stepProcessor.ChargeStep(c.Request.Context(), step.Request{
		ID:                strings.TrimSpace(req.StepID),
		ModelName:         strings.TrimSpace(req.ModelName),
		ModelEndpoint:     strings.TrimSpace(req.ModelEndpoint),
		ContextWindowSize: req.ContextWindowSize,
		OrganizationRef:   strings.TrimSpace(req.OrganizationRef),
		ProviderCategory:  strings.TrimSpace(req.ProviderCategory),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if result == nil {
		// Billing could not complete and has been deferred; the step
		// itself is not blocked.
		c.JSON(http.StatusAccepted, chargeStepResponse{Status: "deferred"})
		return
	}

	c.JSON(http.StatusOK, chargeStepResponse{
		Status:        "charged",
		TransactionID: result.TransactionID.String(),
		NewBalance:    result.NewBalance,
	})
}

type admitMessageRequest struct {
	OrganizationRef string `json:"organization_ref"`
	ModelName       string `json:"model_name"`
	ModelProvider   string `json:"model_provider"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}

func (s *Server) AdmitMessage(c *gin.Context) {
	var req admitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.admissionSvc.Admit(c.Request.Context(), admission.Request{
		OrganizationRef: strings.TrimSpace(req.OrganizationRef),
		ModelName:       strings.TrimSpace(req.ModelName),
		ModelProvider:   strings.TrimSpace(req.ModelProvider),
		EstimatedTokens: req.EstimatedTokens,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
