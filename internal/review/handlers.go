package review

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zhentan/cosigner/internal/auth"
	"github.com/zhentan/cosigner/internal/cosign"
	"github.com/zhentan/cosigner/internal/logging"
	"github.com/zhentan/cosigner/internal/notify"
	"github.com/zhentan/cosigner/internal/txqueue"
	"github.com/zhentan/cosigner/internal/validation"
)

// Handler exposes review decisions over HTTP.
type Handler struct {
	gateway       *Gateway
	telegram      *notify.Telegram
	webhookSecret string
}

// NewHandler creates the review handler. telegram may be nil when the bot
// is not configured; webhookSecret empty disables the signed callback.
func NewHandler(gateway *Gateway, telegram *notify.Telegram, webhookSecret string) *Handler {
	return &Handler{gateway: gateway, telegram: telegram, webhookSecret: webhookSecret}
}

// RegisterInboundRoutes sets up the channel callbacks. They authenticate
// with the channel's own secret, not API keys.
func (h *Handler) RegisterInboundRoutes(r *gin.RouterGroup) {
	if h.telegram != nil {
		r.POST("/review/telegram", h.TelegramUpdate)
	}
	if h.webhookSecret != "" {
		r.POST("/review/callback", h.SignedCallback)
	}
}

// RegisterProtectedRoutes sets up the API decision route.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/review", h.Decide)
}

type decideRequest struct {
	Action Decision `json:"action"`
	Reason string   `json:"reason"`
}

// Decide handles POST /v1/transactions/:id/review
func (h *Handler) Decide(c *gin.Context) {
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := validation.Validate(
		validation.Custom("action", "must be approve or reject", req.Action.Valid()),
		validation.MaxLength("reason", req.Reason, 500),
	); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": err.Error(),
		})
		return
	}

	id := c.Param("id")
	if key, ok := auth.GetAPIKey(c); ok {
		tx, err := h.gateway.queue.Get(c.Request.Context(), id)
		if err == nil && !key.CanAct(tx.SignerGroup) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This key is not bound to the signer group of " + id,
			})
			return
		}
	}

	res, err := h.gateway.HandleAction(c.Request.Context(), Action{
		TxID:     id,
		Decision: req.Action,
		Actor:    auth.Actor(c),
		Reason:   req.Reason,
	})
	if err != nil {
		respondError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// TelegramUpdate handles POST /v1/review/telegram. Telegram retries any
// non-2xx response, so only a bad secret is refused.
func (h *Handler) TelegramUpdate(c *gin.Context) {
	if !h.telegram.VerifySecret(c.GetHeader(notify.TelegramSecretHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bad secret token"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusOK)
		return
	}
	ctx := c.Request.Context()
	log := logging.L(ctx)

	cb, ok, err := notify.ParseUpdate(body)
	if err != nil || !ok {
		if err != nil {
			log.Warn("unreadable telegram update", "error", err)
		}
		c.Status(http.StatusOK)
		return
	}
	verb, txID, ok := notify.ParseActionData(cb.Data)
	if !ok || !Decision(verb).Valid() {
		log.Warn("unknown telegram callback", "data", cb.Data)
		c.Status(http.StatusOK)
		return
	}

	answer := "Done"
	res, err := h.gateway.HandleAction(ctx, Action{TxID: txID, Decision: Decision(verb), Actor: cb.Actor})
	switch {
	case err != nil:
		log.Warn("telegram decision failed", "tx_id", txID, "error", err)
		answer = "Failed, try again"
		if errors.Is(err, txqueue.ErrNotFound) {
			answer = "Transaction not found"
		}
	case res.Outcome == OutcomeIgnored:
		answer = "Already " + string(res.Transaction.Status)
	default:
		answer = "Transaction " + string(res.Outcome)
	}
	if err := h.telegram.Acknowledge(ctx, cb.QueryID, answer); err != nil {
		log.Debug("failed to answer callback", "error", err)
	}
	c.Status(http.StatusOK)
}

// SignedCallback handles POST /v1/review/callback. The body is an Action
// signed with the shared webhook secret.
func (h *Handler) SignedCallback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}
	if err := notify.Verify(body, c.GetHeader(notify.SignatureHeader), h.webhookSecret); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bad signature"})
		return
	}
	var a Action
	if err := json.Unmarshal(body, &a); err != nil || a.TxID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Expected {txId, action}"})
		return
	}
	if a.Actor == "" {
		a.Actor = "webhook"
	}
	res, err := h.gateway.HandleAction(c.Request.Context(), a)
	if err != nil {
		respondError(c, a.TxID, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func respondError(c *gin.Context, txID string, err error) {
	var relayErr *cosign.RelayError
	switch {
	case errors.Is(err, txqueue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction " + txID + " not found"})
	case errors.Is(err, ErrUnknownDecision):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "action must be approve or reject"})
	case errors.Is(err, cosign.ErrRejected):
		c.JSON(http.StatusConflict, gin.H{"error": "rejected", "message": "Transaction " + txID + " was rejected"})
	case errors.As(err, &relayErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "relay_failed", "message": relayErr.Error()})
	default:
		logging.L(c.Request.Context()).Error("review decision failed", "tx_id", txID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Review of " + txID + " failed"})
	}
}
