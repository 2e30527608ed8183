package admission

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/zhentan/cosigner/internal/auth"
	"github.com/zhentan/cosigner/internal/cosign"
	"github.com/zhentan/cosigner/internal/logging"
	"github.com/zhentan/cosigner/internal/pagination"
	"github.com/zhentan/cosigner/internal/patterns"
	"github.com/zhentan/cosigner/internal/txqueue"
	"github.com/zhentan/cosigner/internal/validation"
)

// Handler serves the proposal and transaction API.
type Handler struct {
	controller *Controller
	queue      *txqueue.Queue
}

// NewHandler creates a new admission handler.
func NewHandler(controller *Controller, queue *txqueue.Queue) *Handler {
	return &Handler{controller: controller, queue: queue}
}

// RegisterRoutes sets up the routes. Every route needs an API key; group
// routes also need a key bound to that group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.Propose)
	r.POST("/pairing/requests", h.PairingRequest)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/execute", h.Execute)
	r.GET("/transactions/:id/risk", h.AnalyzeTransaction)
	r.GET("/risk/analyze", h.Analyze)

	groups := r.Group("/groups/:group", validation.AddressParamMiddleware("group"), auth.RequireGroup("group"))
	groups.GET("/transactions", h.ListTransactions)
	groups.GET("/pending", h.Pending)
	groups.GET("/status", h.Status)
	groups.PUT("/settings", h.UpdateSettings)
}

type proposalRequest struct {
	ID                string             `json:"id"`
	SignerGroup       string             `json:"signerGroup"`
	Recipient         string             `json:"recipient"`
	Amount            string             `json:"amount"`
	Asset             string             `json:"asset"`
	ProposedBy        string             `json:"proposedBy"`
	ProposerSignature hexutil.Bytes      `json:"proposerSignature"`
	RequiredSigners   []string           `json:"requiredSigners"`
	Threshold         int                `json:"threshold"`
	UnsignedOperation json.RawMessage    `json:"unsignedOperation"`
	Requester         *txqueue.Requester `json:"requester,omitempty"`
}

func (r proposalRequest) proposal(origin txqueue.Origin) Proposal {
	return Proposal{
		ID:                r.ID,
		SignerGroup:       r.SignerGroup,
		Recipient:         r.Recipient,
		Amount:            r.Amount,
		Asset:             r.Asset,
		ProposedBy:        r.ProposedBy,
		ProposerSignature: r.ProposerSignature,
		RequiredSigners:   r.RequiredSigners,
		Threshold:         r.Threshold,
		UnsignedOperation: r.UnsignedOperation,
		Origin:            origin,
		Requester:         r.Requester,
	}
}

// pairingRequest is what the wallet-pairing bridge delivers for a
// third-party transfer: destination, value and payload plus who asked.
type pairingRequest struct {
	ID                string            `json:"id"`
	SignerGroup       string            `json:"signerGroup"`
	To                string            `json:"to"`
	Value             string            `json:"value"`
	Asset             string            `json:"asset"`
	Payload           json.RawMessage   `json:"payload"`
	ProposedBy        string            `json:"proposedBy"`
	ProposerSignature hexutil.Bytes     `json:"proposerSignature"`
	RequiredSigners   []string          `json:"requiredSigners"`
	Threshold         int               `json:"threshold"`
	Requester         txqueue.Requester `json:"requester"`
}

// Propose handles POST /v1/transactions
func (h *Handler) Propose(c *gin.Context) {
	var req proposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	h.propose(c, req.proposal(txqueue.OriginManual))
}

// PairingRequest handles POST /v1/pairing/requests
func (h *Handler) PairingRequest(c *gin.Context) {
	var req pairingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := validation.Validate(
		validation.MaxLength("requester.name", req.Requester.Name, 128),
		validation.MaxLength("requester.url", req.Requester.URL, 512),
		validation.MaxLength("requester.description", req.Requester.Description, 1000),
	); err != nil {
		validationFailed(c, err)
		return
	}
	requester := req.Requester
	h.propose(c, Proposal{
		ID:                req.ID,
		SignerGroup:       req.SignerGroup,
		Recipient:         req.To,
		Amount:            req.Value,
		Asset:             req.Asset,
		ProposedBy:        req.ProposedBy,
		ProposerSignature: req.ProposerSignature,
		RequiredSigners:   req.RequiredSigners,
		Threshold:         req.Threshold,
		UnsignedOperation: req.Payload,
		Origin:            txqueue.OriginExternal,
		Requester:         &requester,
	})
}

func (h *Handler) propose(c *gin.Context, p Proposal) {
	if key, ok := auth.GetAPIKey(c); ok && p.SignerGroup != "" && !key.CanAct(p.SignerGroup) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "This key is not bound to that signer group.",
		})
		return
	}
	ctx := c.Request.Context()
	settings, err := h.controller.Settings(ctx, p.SignerGroup)
	if err != nil {
		respondError(c, p.ID, err)
		return
	}
	out, err := h.controller.Propose(ctx, p, settings)
	if err != nil {
		if out.Transaction != nil {
			respondRelayFailure(c, out, err)
			return
		}
		respondError(c, p.ID, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Execute handles POST /v1/transactions/:id/execute. It is the manual retry
// after a relay failure and never resubmits an executed record.
func (h *Handler) Execute(c *gin.Context) {
	tx, ok := h.load(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	settings, err := h.controller.Settings(ctx, tx.SignerGroup)
	if err != nil {
		respondError(c, tx.ID, err)
		return
	}
	out, err := h.controller.Retry(ctx, tx.ID, auth.Actor(c), settings)
	if err != nil {
		if out.Transaction != nil && out.Action == ActionRelayFailed {
			respondRelayFailure(c, out, err)
			return
		}
		respondError(c, tx.ID, err)
		return
	}
	if out.Action == ActionAlreadyExecuted {
		c.JSON(http.StatusOK, gin.H{
			"status":      "already_executed",
			"hash":        out.Transaction.ResultHash,
			"transaction": out.Transaction,
		})
		return
	}
	c.JSON(http.StatusOK, out)
}

// AnalyzeTransaction handles GET /v1/transactions/:id/risk
func (h *Handler) AnalyzeTransaction(c *gin.Context) {
	tx, ok := h.load(c)
	if !ok {
		return
	}
	a, err := h.controller.AnalyzeStored(c.Request.Context(), tx.ID)
	if err != nil {
		respondError(c, tx.ID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysis": a, "stored": gin.H{
		"score":   tx.RiskScore,
		"verdict": tx.RiskVerdict,
		"reasons": tx.RiskReasons,
	}})
}

// Analyze handles GET /v1/risk/analyze?recipient=&amount=
func (h *Handler) Analyze(c *gin.Context) {
	a, err := h.controller.Analyze(c.Request.Context(), c.Query("recipient"), c.Query("amount"))
	if err != nil {
		respondError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysis": a})
}

// ListTransactions handles GET /v1/groups/:group/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	page, err := h.queue.ListBySigner(c.Request.Context(), validation.NormalizeAddress(c.Param("group")), txqueue.ListOptions{
		Limit:  pagination.ParseLimit(c.Query("limit")),
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Invalid cursor"})
			return
		}
		respondError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Pending handles GET /v1/groups/:group/pending
func (h *Handler) Pending(c *gin.Context) {
	txs, err := h.controller.Pending(c.Request.Context(), c.Param("group"))
	if err != nil {
		respondError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// Status handles GET /v1/groups/:group/status
func (h *Handler) Status(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("decisions"))
	st, err := h.controller.Status(c.Request.Context(), c.Param("group"), limit)
	if err != nil {
		respondError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type settingsRequest struct {
	ScreeningEnabled *bool `json:"screeningEnabled"`
}

// UpdateSettings handles PUT /v1/groups/:group/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ScreeningEnabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Expected {\"screeningEnabled\": true|false}",
		})
		return
	}
	s, err := h.controller.SetScreening(c.Request.Context(), c.Param("group"), *req.ScreeningEnabled)
	if err != nil {
		respondError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

// load fetches the :id record and checks the caller may see it. It writes
// the error response itself.
func (h *Handler) load(c *gin.Context) (*txqueue.Transaction, bool) {
	id := c.Param("id")
	tx, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, id, err)
		return nil, false
	}
	if key, ok := auth.GetAPIKey(c); ok && !key.CanAct(tx.SignerGroup) {
		// same answer as a missing record
		respondError(c, id, txqueue.ErrNotFound)
		return nil, false
	}
	return tx, true
}

func validationFailed(c *gin.Context, err error) {
	ve, _ := validation.AsErrors(err)
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": err.Error(),
		"fields":  ve,
	})
}

func respondRelayFailure(c *gin.Context, out Outcome, err error) {
	var relayErr *cosign.RelayError
	if !errors.As(err, &relayErr) {
		respondError(c, out.Transaction.ID, err)
		return
	}
	logging.L(c.Request.Context()).Warn("relay failure surfaced to caller",
		"tx_id", relayErr.TxID, "stage", relayErr.Stage, "error", relayErr.Err)
	c.JSON(http.StatusBadGateway, gin.H{
		"error":       "relay_failed",
		"message":     relayErr.Error(),
		"transaction": out.Transaction,
	})
}

func respondError(c *gin.Context, txID string, err error) {
	if _, ok := validation.AsErrors(err); ok {
		validationFailed(c, err)
		return
	}
	var relayErr *cosign.RelayError
	switch {
	case errors.Is(err, txqueue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction " + txID + " not found"})
	case errors.Is(err, txqueue.ErrDuplicateID):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_id", "message": "Transaction " + txID + " already exists"})
	case errors.Is(err, ErrRejected):
		c.JSON(http.StatusConflict, gin.H{"error": "rejected", "message": "Transaction " + txID + " was rejected"})
	case errors.Is(err, ErrAwaitingReview):
		c.JSON(http.StatusConflict, gin.H{"error": "in_review", "message": "Transaction " + txID + " is awaiting a review decision"})
	case errors.Is(err, patterns.ErrNoLimits):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "Global limits are not configured"})
	case errors.As(err, &relayErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "relay_failed", "message": relayErr.Error()})
	default:
		logging.L(c.Request.Context()).Error("request failed", "tx_id", txID, "error", err)
		msg := "Internal server error"
		if txID != "" {
			msg = "Processing of " + txID + " failed"
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
	}
}
