package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/servicing-events/internal/db"
	"github.com/jmehdipour/servicing-events/internal/payment"
	"github.com/jmehdipour/servicing-events/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Submit a demo wire payment through the ingress service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		svc := payment.NewService(
			repository.NewPaymentsRepository(mysqlDB),
			repository.NewOutboxRepository(mysqlDB),
			newCodec(cfg),
			log,
		)

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		// fixed key: re-running the seed is a duplicate, not a second payment
		p, err := svc.Submit(ctx, payment.SubmitRequest{
			LoanID:         "loan-demo-0001",
			Source:         "wire",
			Amount:         decimal.RequireFromString("502.00"),
			Currency:       "USD",
			IdempotencyKey: "seed-demo-wire-0001",
			Actor:          "seed",
		})
		switch {
		case errors.Is(err, payment.ErrDuplicateSubmission):
			log.Info("demo payment already seeded", zap.String("payment_id", p.PaymentID), zap.String("state", p.State.String()))
			return nil
		case err != nil:
			return fmt.Errorf("seed payment: %w", err)
		}
		log.Info("demo payment seeded", zap.String("payment_id", p.PaymentID), zap.Int64("amount_cents", p.AmountCents))
		return nil
	},
}
