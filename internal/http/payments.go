package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/servicing-events/internal/http/middleware"
	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmehdipour/servicing-events/internal/payment"
	"github.com/jmehdipour/servicing-events/internal/repository"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type submitReq struct {
	LoanID         string          `json:"loan_id"`
	Source         string          `json:"source"` // ach | wire | card | check
	Amount         decimal.Decimal `json:"amount"` // major units, "502.00"
	Currency       string          `json:"currency"`
	EffectiveDate  string          `json:"effective_date,omitempty"` // YYYY-MM-DD
	IdempotencyKey string          `json:"idempotency_key"`
}

type paymentView struct {
	*model.Payment
	Amount      string                    `json:"amount"`
	Transitions []model.PaymentTransition `json:"transitions,omitempty"`
}

func viewOf(p *model.Payment) paymentView {
	return paymentView{Payment: p, Amount: payment.FromCents(p.AmountCents).StringFixed(2)}
}

func submitPaymentHandler(svc PaymentService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req submitReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		// header wins over body
		if h := strings.TrimSpace(c.Request().Header.Get("Idempotency-Key")); h != "" {
			req.IdempotencyKey = h
		}

		var eff time.Time
		if req.EffectiveDate != "" {
			t, err := time.Parse("2006-01-02", req.EffectiveDate)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "effective_date must be YYYY-MM-DD"})
			}
			eff = t
		}

		actor, _ := middleware.ClientIDFromCtx(c)
		p, err := svc.Submit(c.Request().Context(), payment.SubmitRequest{
			LoanID:         req.LoanID,
			Source:         req.Source,
			Amount:         req.Amount,
			Currency:       req.Currency,
			EffectiveDate:  eff,
			IdempotencyKey: req.IdempotencyKey,
			CorrelationID:  c.Response().Header().Get(echo.HeaderXRequestID),
			Actor:          actor,
		})
		switch {
		case errors.Is(err, payment.ErrDuplicateSubmission):
			return c.JSON(http.StatusConflict, map[string]any{
				"error":   "duplicate_submission",
				"payment": viewOf(p),
			})
		case errors.Is(err, payment.ErrInvalidRequest):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case err != nil:
			log.Error("submit payment failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusAccepted, viewOf(p))
	}
}

func getPaymentHandler(svc PaymentService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		p, err := svc.Get(c.Request().Context(), id)
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "payment not found"})
		}
		if err != nil {
			c.Logger().Errorf("get payment %s: %v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		trs, err := svc.Transitions(c.Request().Context(), id)
		if err != nil {
			c.Logger().Errorf("list transitions %s: %v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		v := viewOf(p)
		v.Transitions = trs
		return c.JSON(http.StatusOK, v)
	}
}

type settlementReq struct {
	ExternalRef string `json:"external_ref"`
}

func confirmSettlementHandler(svc PaymentService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req settlementReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		id := c.Param("id")

		err := svc.ConfirmSettlement(c.Request().Context(), id, req.ExternalRef)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "payment not found"})
		case errors.Is(err, payment.ErrInvalidRequest):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, payment.ErrNotSettleable):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		case err != nil:
			log.Error("confirm settlement failed", zap.String("payment_id", id), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusAccepted, map[string]any{"payment_id": id, "settlement": "queued"})
	}
}
