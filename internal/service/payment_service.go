package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rinzindorjit/b4uesports/internal/gateway"
	"github.com/rinzindorjit/b4uesports/internal/mailer"
	"github.com/rinzindorjit/b4uesports/internal/model"
	"github.com/rinzindorjit/b4uesports/internal/pricing"
	"github.com/rinzindorjit/b4uesports/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnknownPayment means a callback referenced a payment id with no ledger row.
var ErrUnknownPayment = errors.New("unknown payment")

// ErrInvalidMetadata means the purchase metadata is missing or malformed.
var ErrInvalidMetadata = errors.New("invalid purchase metadata")

// Gateway is the slice of the Pi adapter the engine needs.
type Gateway interface {
	GetPayment(ctx context.Context, paymentID string) *gateway.Payment
	Approve(ctx context.Context, paymentID string) bool
	Complete(ctx context.Context, paymentID, txid string) bool
	Cancel(ctx context.Context, paymentID string) bool
}

// RateSource supplies the current Pi/USD quote.
type RateSource interface {
	CurrentRate() pricing.Quote
}

// ApprovalMeta is the purchase intent attached when the payment was created.
type ApprovalMeta struct {
	UserID      string
	PackageID   uint64
	GameAccount string
}

// Result is what the engine reports back to a callback handler.
type Result struct {
	OK            bool
	TransactionID string
	Status        string
}

// PackageQuote prices one catalog item at the current rate.
type PackageQuote struct {
	Package     *model.Package
	UsdPrice    decimal.Decimal
	PiAmount    decimal.Decimal
	Rate        decimal.Decimal
	LastUpdated time.Time
}

// PaymentService reconciles the local ledger with the Pi platform's
// approve/complete callback protocol. All collaborators are injected; the
// engine owns every status transition and always leaves a row consistent
// before a handler returns.
type PaymentService struct {
	ledger repo.LedgerInterface
	gw     Gateway
	rates  RateSource
	mail   mailer.Mailer
	log    *zap.SugaredLogger
}

// NewPaymentService returns the reconciliation engine. mail may be nil.
func NewPaymentService(l repo.LedgerInterface, gw Gateway, rates RateSource, mail mailer.Mailer, logger *zap.SugaredLogger) *PaymentService {
	return &PaymentService{ledger: l, gw: gw, rates: rates, mail: mail, log: logger}
}

// HandleApproval processes the "ready for approval" callback. The first call
// for a payment id creates the ledger row and locks the price; replays reuse
// the existing row and never create a duplicate or re-drive the gateway once
// the payment is past pending.
func (s *PaymentService) HandleApproval(ctx context.Context, paymentID string, meta ApprovalMeta) (Result, error) {
	if paymentID == "" {
		return Result{}, ErrInvalidMetadata
	}

	t, err := s.ledger.GetByPaymentID(ctx, paymentID)
	switch {
	case err == nil:
		switch t.Status {
		case model.StatusApproved, model.StatusCompleted:
			return Result{OK: true, TransactionID: t.ID, Status: t.Status}, nil
		case model.StatusFailed, model.StatusCancelled:
			return Result{OK: false, TransactionID: t.ID, Status: t.Status}, nil
		}
		// pending: the row exists but approval never landed, retry below
	case errors.Is(err, repo.ErrNotFound):
		t, err = s.createPending(ctx, paymentID, meta)
		if err != nil {
			return Result{}, err
		}
	default:
		return Result{}, err
	}

	if s.gw.Approve(ctx, paymentID) {
		if err := s.ledger.UpdateStatus(ctx, paymentID, model.StatusPending, model.StatusApproved); err != nil {
			// a concurrent callback may have won the transition
			cur, curErr := s.ledger.GetByPaymentID(ctx, paymentID)
			if curErr == nil && (cur.Status == model.StatusApproved || cur.Status == model.StatusCompleted) {
				return Result{OK: true, TransactionID: cur.ID, Status: cur.Status}, nil
			}
			return Result{}, err
		}
		t.Status = model.StatusApproved
		s.emit(ctx, paymentID, "PaymentApproved", t)
		return Result{OK: true, TransactionID: t.ID, Status: model.StatusApproved}, nil
	}

	if err := s.ledger.UpdateStatus(ctx, paymentID, model.StatusPending, model.StatusFailed); err != nil {
		s.log.Errorf("mark %s failed: %v", paymentID, err)
	}
	t.Status = model.StatusFailed
	s.emit(ctx, paymentID, "PaymentFailed", t)
	return Result{OK: false, TransactionID: t.ID, Status: model.StatusFailed}, nil
}

// createPending locks the price and writes the row. A racing duplicate insert
// loses on the payment_id unique index and adopts the winner's row.
func (s *PaymentService) createPending(ctx context.Context, paymentID string, meta ApprovalMeta) (*model.Transaction, error) {
	if meta.UserID == "" || meta.PackageID == 0 || meta.GameAccount == "" {
		return nil, ErrInvalidMetadata
	}
	pkg, err := s.ledger.GetPackage(ctx, meta.PackageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrInvalidMetadata
		}
		return nil, err
	}

	quote := s.rates.CurrentRate()
	t := &model.Transaction{
		ID:          uuid.NewString(),
		UserID:      meta.UserID,
		PackageID:   pkg.ID,
		PaymentID:   paymentID,
		PiAmount:    pricing.ToPi(pkg.UsdPrice, quote.Price),
		UsdAmount:   pkg.UsdPrice,
		PriceAtTime: quote.Price,
		Status:      model.StatusPending,
		GameAccount: meta.GameAccount,
	}
	if err := s.ledger.CreateTransaction(ctx, t); err != nil {
		existing, lookupErr := s.ledger.GetByPaymentID(ctx, paymentID)
		if lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return t, nil
}

// HandleCompletion processes the "ready for completion" callback. A pending
// row is refused (completion requires prior approval) and left untouched so
// the client can retry approval; an approved row is driven to completed or
// failed. The confirmation mail runs after either outcome and never changes
// payment state.
func (s *PaymentService) HandleCompletion(ctx context.Context, paymentID, txid string) (Result, error) {
	if paymentID == "" || txid == "" {
		return Result{}, ErrInvalidMetadata
	}

	t, err := s.ledger.GetByPaymentID(ctx, paymentID)
	if errors.Is(err, repo.ErrNotFound) {
		s.log.Errorf("completion callback for unknown payment %s", paymentID)
		return Result{}, ErrUnknownPayment
	}
	if err != nil {
		return Result{}, err
	}

	switch t.Status {
	case model.StatusCompleted:
		return Result{OK: true, TransactionID: t.ID, Status: t.Status}, nil
	case model.StatusFailed, model.StatusCancelled:
		return Result{OK: false, TransactionID: t.ID, Status: t.Status}, nil
	case model.StatusPending:
		s.log.Warnf("completion for %s refused: payment not yet approved", paymentID)
		return Result{OK: false, TransactionID: t.ID, Status: t.Status}, nil
	}

	ok := s.gw.Complete(ctx, paymentID, txid)
	if ok {
		if err := s.ledger.SetCompleted(ctx, paymentID, txid); err != nil {
			return Result{}, err
		}
		t.Status = model.StatusCompleted
		t.Txid = &txid
		s.emit(ctx, paymentID, "PaymentCompleted", t)
	} else {
		if err := s.ledger.UpdateStatus(ctx, paymentID, model.StatusApproved, model.StatusFailed); err != nil {
			s.log.Errorf("mark %s failed: %v", paymentID, err)
		}
		t.Status = model.StatusFailed
		s.emit(ctx, paymentID, "PaymentFailed", t)
	}

	s.sendReceipt(ctx, t)
	return Result{OK: ok, TransactionID: t.ID, Status: t.Status}, nil
}

// HandleCancellation processes a user-abandoned payment. Terminal rows are
// left alone; the remote cancel is best-effort.
func (s *PaymentService) HandleCancellation(ctx context.Context, paymentID string) (Result, error) {
	if paymentID == "" {
		return Result{}, ErrInvalidMetadata
	}
	t, err := s.ledger.GetByPaymentID(ctx, paymentID)
	if errors.Is(err, repo.ErrNotFound) {
		s.log.Errorf("cancellation callback for unknown payment %s", paymentID)
		return Result{}, ErrUnknownPayment
	}
	if err != nil {
		return Result{}, err
	}
	if model.Terminal(t.Status) {
		return Result{OK: t.Status == model.StatusCancelled, TransactionID: t.ID, Status: t.Status}, nil
	}

	if !s.gw.Cancel(ctx, paymentID) {
		s.log.Warnf("remote cancel for %s did not land", paymentID)
	}
	if err := s.ledger.UpdateStatus(ctx, paymentID, t.Status, model.StatusCancelled); err != nil {
		return Result{}, err
	}
	t.Status = model.StatusCancelled
	s.emit(ctx, paymentID, "PaymentCancelled", t)
	return Result{OK: true, TransactionID: t.ID, Status: model.StatusCancelled}, nil
}

// RecoverIncomplete drives a payment the platform reported as unfinished
// through the normal approval/completion handlers. Metadata comes from the
// ledger row when one exists, otherwise from the remote payment record.
func (s *PaymentService) RecoverIncomplete(ctx context.Context, paymentID, txid string) (Result, error) {
	if paymentID == "" {
		return Result{}, ErrInvalidMetadata
	}

	var meta ApprovalMeta
	if _, err := s.ledger.GetByPaymentID(ctx, paymentID); errors.Is(err, repo.ErrNotFound) {
		p := s.gw.GetPayment(ctx, paymentID)
		if p == nil {
			return Result{}, ErrUnknownPayment
		}
		meta = ApprovalMeta{
			UserID:      p.Metadata.UserUID,
			PackageID:   p.Metadata.PackageID,
			GameAccount: p.Metadata.GameAccount,
		}
		if txid == "" {
			txid = p.Txid
		}
	} else if err != nil {
		return Result{}, err
	}

	res, err := s.HandleApproval(ctx, paymentID, meta)
	if err != nil || !res.OK {
		return res, err
	}
	if txid != "" {
		return s.HandleCompletion(ctx, paymentID, txid)
	}
	return res, nil
}

// QuotePackage prices a catalog item at the live rate. The quote is
// informational; the binding price is locked when the payment is created.
func (s *PaymentService) QuotePackage(ctx context.Context, packageID uint64) (*PackageQuote, error) {
	pkg, err := s.ledger.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	quote := s.rates.CurrentRate()
	return &PackageQuote{
		Package:     pkg,
		UsdPrice:    pkg.UsdPrice,
		PiAmount:    pricing.ToPi(pkg.UsdPrice, quote.Price),
		Rate:        quote.Price,
		LastUpdated: quote.ObservedAt,
	}, nil
}

// CurrentRate exposes the oracle's last known quote.
func (s *PaymentService) CurrentRate() pricing.Quote {
	return s.rates.CurrentRate()
}

// ListPackages returns the active catalog.
func (s *PaymentService) ListPackages(ctx context.Context, game string) ([]model.Package, error) {
	return s.ledger.ListPackages(ctx, game)
}

// UserTransactions returns a user's recent purchases.
func (s *PaymentService) UserTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	return s.ledger.ListUserTransactions(ctx, userID, limit)
}

// RegisterUser upserts the verified Pi identity.
func (s *PaymentService) RegisterUser(ctx context.Context, u *model.User) error {
	return s.ledger.UpsertUser(ctx, u)
}

// sendReceipt is best-effort: a mail failure is logged, never propagated, and
// leaves email_sent false.
func (s *PaymentService) sendReceipt(ctx context.Context, t *model.Transaction) {
	if s.mail == nil {
		return
	}
	user, err := s.ledger.GetUser(ctx, t.UserID)
	if err != nil {
		s.log.Warnf("receipt for %s: load user: %v", t.PaymentID, err)
		return
	}
	pkg, err := s.ledger.GetPackage(ctx, t.PackageID)
	if err != nil {
		s.log.Warnf("receipt for %s: load package: %v", t.PaymentID, err)
		return
	}
	if err := s.mail.SendPurchaseConfirmation(ctx, t, user, pkg); err != nil {
		s.log.Warnf("receipt for %s: %v", t.PaymentID, err)
		return
	}
	if err := s.ledger.MarkEmailSent(ctx, t.PaymentID); err != nil {
		s.log.Warnf("receipt for %s: mark sent: %v", t.PaymentID, err)
		return
	}
	t.EmailSent = true
}

// emit writes an outbox event; the poller ships it to Kafka.
func (s *PaymentService) emit(ctx context.Context, paymentID, eventType string, t *model.Transaction) {
	payload, _ := json.Marshal(map[string]interface{}{
		"payment_id": paymentID,
		"tx_id":      t.ID,
		"user_id":    t.UserID,
		"package_id": t.PackageID,
		"pi_amount":  t.PiAmount.String(),
		"usd_amount": t.UsdAmount.String(),
		"status":     t.Status,
	})
	evt := &model.OutboxEvent{
		Aggregate: "Payment", AggregateID: paymentID, EventType: eventType, Payload: string(payload),
	}
	if err := s.ledger.CreateOutboxEvent(ctx, evt); err != nil {
		s.log.Warnf("outbox %s for %s: %v", eventType, paymentID, err)
	}
}
