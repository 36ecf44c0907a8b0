package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/solvena/polisvault/pkg/errors"
	"github.com/solvena/polisvault/pkg/models"
)

func (s *Server) registerRoutes(api *gin.RouterGroup) {
	api.POST("/attestors", s.registerAttestor)
	api.GET("/attestors", s.listAttestors)
	api.POST("/attestors/:id/release-stake", s.releaseStake)

	api.POST("/rounds", s.openRound)
	api.GET("/rounds/:id", s.getRound)
	api.POST("/rounds/:id/submissions", s.submit)
	api.POST("/rounds/:id/finalize", s.finalize)
	api.GET("/valuations/:asset", s.getValuation)

	api.POST("/positions", s.openPosition)
	api.GET("/positions/:id", s.getPosition)
	api.GET("/positions/:id/ltv", s.getLTV)
	api.GET("/positions/:id/liquidatable", s.getLiquidatable)
	api.POST("/positions/:id/collateral", s.addCollateral)
	api.POST("/positions/:id/repay", s.repayDebt)
	api.POST("/positions/:id/close", s.closePosition)
	api.POST("/positions/:id/liquidate", s.liquidate)
	api.GET("/exposures/:issuer", s.getExposure)

	api.GET("/tranches/:id", s.getTranche)
	api.POST("/tranches/:id/deposits", s.deposit)
	api.POST("/tranches/:id/withdrawals", s.withdraw)
	api.POST("/tranches/:id/settle", s.settle)
	api.GET("/tranches/:id/pending", s.getPending)
	api.POST("/yield", s.distributeYield)

	api.POST("/compliance/:account/approve", s.approveAccount)
	api.POST("/compliance/:account/revoke", s.revokeAccount)
}

type registerAttestorRequest struct {
	Name     string `json:"name" binding:"required"`
	Operator string `json:"operator" binding:"required,uuid"`
	Stake    string `json:"stake" binding:"required"`
}

func (s *Server) registerAttestor(c *gin.Context) {
	var req registerAttestorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation("invalid request: %v", err))
		return
	}
	operator, stake, err := parseAccountAmount(req.Operator, req.Stake)
	if err != nil {
		respondError(c, err)
		return
	}
	att, err := s.valuations.RegisterAttestor(c.Request.Context(), req.Name, operator, stake)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, att)
}

func (s *Server) listAttestors(c *gin.Context) {
	atts, err := s.valuations.Attestors(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, atts)
}

func (s *Server) releaseStake(c *gin.Context) {
	attestorID, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req struct {
		Operator string `json:"operator" binding:"required,uuid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation("invalid request: %v", err))
		return
	}
	operator, _ := uuid.Parse(req.Operator)
	amount, err := s.valuations.ReleaseStake(c.Request.Context(), attestorID, operator)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": amount})
}

type openRoundRequest struct {
	AssetID  string    `json:"asset_id" binding:"required"`
	Deadline time.Time `json:"deadline" binding:"required"`
}

func (s *Server) openRound(c *gin.Context) {
	var req openRoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation("invalid request: %v", err))
		return
	}
	round, err := s.consensus.OpenRound(c.Request.Context(), req.AssetID, req.Deadline)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, round)
}

func (s *Server) getRound(c *gin.Context) {
	roundID, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	round, err := s.consensus.Round(c.Request.Context(), roundID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, round)
}

type submitRequest struct {
	AttestorID  string `json:"attestor_id" binding:"required,uuid"`
	Value       string `json:"value" binding:"required"`
	ProofDigest string `json:"proof_digest"`
}

func (s *Server) submit(c *gin.Context) {
	roundID, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation("invalid request: %v", err))
		return
	}
	attestorID, value, err := parseAccountAmount(req.AttestorID, req.Value)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.consensus.Submit(c.Request.Context(), roundID, attestorID, value, req.ProofDigest); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) finalize(c *gin.Context) {
	roundID, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := s.consensus.Finalize(c.Request.Context(), roundID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getValuation(c *gin.Context) {
	val, err := s.valuations.Latest(c.Request.Context(), c.Param("asset"))
	if err != nil {
		respondError(c, err)
		return
	}
	stale, err := s.valuations.IsStale(c.Request.Context(), c.Param("asset"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valuation": val, "stale": stale})
}

type openPositionRequest struct {
	Owner      string `json:"owner" binding:"required,uuid"`
	AssetID    string `json:"asset_id" binding:"required"`
	IssuerID   string `json:"issuer_id" binding:"required"`
	Collateral string `json:"collateral" binding:"required"`
	Debt       string `json:"debt" binding:"required"`
}

func (s *Server) openPosition(c *gin.Context) {
	var req openPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation("invalid request: %v", err))
		return
	}
	owner, collateral, err := parseAccountAmount(req.Owner, req.Collateral)
	if err != nil {
		respondError(c, err)
		return
	}
	debt, err := parseAmount(req.Debt)
	if err != nil {
		respondError(c, err)
		return
	}
	pos, err := s.vault.Open(c.Request.Context(), owner, req.AssetID, req.IssuerID, collateral, debt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pos)
}

func (s *Server) getPosition(c *gin.Context) {
	positionID, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	pos, err := s.vault.Position(c.Request.Context(), positionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) getLTV(c *gin.Context) {
	positionID, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	ltv, err := s.vault.CurrentLTV(c.Request.Context(), positionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ltv_bps": ltv})
}

func (s *Server) getLiquidatable(c *gin.Context) {
	positionID, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	ok, trigger, err := s.vault.IsLiquidatable(c.Request.Context(), positionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"liquidatable": ok, "trigger": trigger})
}

type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) addCollateral(c *gin.Context) {
	s.positionMutation(c, s.vault.AddCollateral)
}

func (s *Server) repayDebt(c *gin.Context) {
	s.positionMutation(c, s.vault.RepayDebt)
}

func (s *Server) positionMutation(c *gin.Context, op func(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (*models.CollateralPosition, error)) {
	positionID, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation("invalid request: %v", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	pos, err := op(c.Request.Context(), positionID, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) closePosition(c *gin.Context) {
	positionID, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	pos, err := s.vault.Close(c.Request.Context(), positionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) liquidate(c *gin.Context) {
	positionID, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req struct {
		Caller string `json:"caller" binding:"required,uuid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation("invalid request: %v", err))
		return
	}
	caller, _ := uuid.Parse(req.Caller)
	pos, err := s.vault.Liquidate(c.Request.Context(), positionID, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) getExposure(c *gin.Context) {
	exposure, err := s.vault.Exposure(c.Request.Context(), c.Param("issuer"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issuer_id": c.Param("issuer"), "exposure": exposure})
}

func (s *Server) getTranche(c *gin.Context) {
	tr, err := s.waterfall.Tranche(c.Request.Context(), models.TrancheID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

type trancheOpRequest struct {
	Owner  string `json:"owner" binding:"required,uuid"`
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) deposit(c *gin.Context) {
	var req trancheOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation("invalid request: %v", err))
		return
	}
	owner, amount, err := parseAccountAmount(req.Owner, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	pos, err := s.waterfall.Deposit(c.Request.Context(), owner, models.TrancheID(c.Param("id")), amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) withdraw(c *gin.Context) {
	var req struct {
		Owner  string `json:"owner" binding:"required,uuid"`
		Shares string `json:"shares" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation("invalid request: %v", err))
		return
	}
	owner, shares, err := parseAccountAmount(req.Owner, req.Shares)
	if err != nil {
		respondError(c, err)
		return
	}
	amount, err := s.waterfall.Withdraw(c.Request.Context(), owner, models.TrancheID(c.Param("id")), shares)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": amount})
}

func (s *Server) settle(c *gin.Context) {
	var req struct {
		Owner string `json:"owner" binding:"required,uuid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation("invalid request: %v", err))
		return
	}
	owner, _ := uuid.Parse(req.Owner)
	pending, err := s.waterfall.Settle(c.Request.Context(), owner, models.TrancheID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settled": pending})
}

func (s *Server) getPending(c *gin.Context) {
	owner, err := uuid.Parse(c.Query("owner"))
	if err != nil {
		respondError(c, errors.Validation("owner query parameter must be a uuid"))
		return
	}
	pending, err := s.waterfall.PendingYield(c.Request.Context(), owner, models.TrancheID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

func (s *Server) distributeYield(c *gin.Context) {
	var req struct {
		Funder string `json:"funder" binding:"required,uuid"`
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation("invalid request: %v", err))
		return
	}
	funder, amount, err := parseAccountAmount(req.Funder, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := s.waterfall.DistributeYield(c.Request.Context(), funder, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) approveAccount(c *gin.Context) {
	account, err := uuid.Parse(c.Param("account"))
	if err != nil {
		respondError(c, errors.Validation("account path parameter must be a uuid"))
		return
	}
	var req struct {
		Jurisdiction string `json:"jurisdiction"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := s.compliance.Approve(c.Request.Context(), account, req.Jurisdiction); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

func (s *Server) revokeAccount(c *gin.Context) {
	account, err := uuid.Parse(c.Param("account"))
	if err != nil {
		respondError(c, errors.Validation("account path parameter must be a uuid"))
		return
	}
	if err := s.compliance.Revoke(c.Request.Context(), account); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, errors.Validation("%s path parameter must be a uuid", name)
	}
	return id, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Validation("amount %q is not a valid decimal", raw)
	}
	return amount, nil
}

func parseAccountAmount(account, amount string) (uuid.UUID, decimal.Decimal, error) {
	id, err := uuid.Parse(account)
	if err != nil {
		return uuid.Nil, decimal.Zero, errors.Validation("%q is not a valid uuid", account)
	}
	d, err := parseAmount(amount)
	if err != nil {
		return uuid.Nil, decimal.Zero, err
	}
	return id, d, nil
}
