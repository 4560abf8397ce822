package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rinzindorjit/b4uesports/internal/gateway"
	"github.com/rinzindorjit/b4uesports/internal/logger"
	"github.com/rinzindorjit/b4uesports/internal/model"
	"github.com/rinzindorjit/b4uesports/internal/pricing"
	"github.com/rinzindorjit/b4uesports/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// fakeGateway counts remote mutations so tests can assert idempotency.
type fakeGateway struct {
	approveOK    bool
	completeOK   bool
	cancelOK     bool
	approveCalls int
	completeN    int
	cancelN      int
	remote       *gateway.Payment
}

func (f *fakeGateway) GetPayment(ctx context.Context, paymentID string) *gateway.Payment {
	return f.remote
}
func (f *fakeGateway) Approve(ctx context.Context, paymentID string) bool {
	f.approveCalls++
	return f.approveOK
}
func (f *fakeGateway) Complete(ctx context.Context, paymentID, txid string) bool {
	f.completeN++
	return f.completeOK
}
func (f *fakeGateway) Cancel(ctx context.Context, paymentID string) bool {
	f.cancelN++
	return f.cancelOK
}

type fakeRates struct{ price decimal.Decimal }

func (f *fakeRates) CurrentRate() pricing.Quote {
	return pricing.Quote{Price: f.price, ObservedAt: time.Now()}
}

type fakeMailer struct {
	fail bool
	sent int
}

func (f *fakeMailer) SendPurchaseConfirmation(ctx context.Context, t *model.Transaction, u *model.User, p *model.Package) error {
	if f.fail {
		return assert.AnError
	}
	f.sent++
	return nil
}

type fixture struct {
	svc    *PaymentService
	ledger *repo.Ledger
	gw     *fakeGateway
	rates  *fakeRates
	mail   *fakeMailer
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.User{}, &model.Package{}, &model.Transaction{}, &model.OutboxEvent{}))

	assert.NoError(t, db.Create(&model.User{PiUID: "uid_1", Username: "raven", Email: "raven@example.com"}).Error)
	assert.NoError(t, db.Create(&model.Package{
		ID: 2, Game: model.GamePUBG, Name: "325 UC", Amount: 325,
		UsdPrice: decimal.RequireFromString("6.50"), Active: true,
	}).Error)

	log, err := logger.NewLogger()
	assert.NoError(t, err)

	ledger := repo.NewLedger(db, nil, &kafka.Writer{}, log)
	gw := &fakeGateway{approveOK: true, completeOK: true, cancelOK: true}
	rates := &fakeRates{price: decimal.RequireFromString("0.24069")}
	mail := &fakeMailer{}
	svc := NewPaymentService(ledger, gw, rates, mail, log)

	return &fixture{svc: svc, ledger: ledger, gw: gw, rates: rates, mail: mail, ctx: context.Background()}
}

func meta() ApprovalMeta {
	return ApprovalMeta{UserID: "uid_1", PackageID: 2, GameAccount: `{"ign":"Raven","uid":"5123"}`}
}

func TestHandleApproval_FreshPurchase(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, model.StatusApproved, res.Status)

	tx, err := f.ledger.GetByPaymentID(f.ctx, "pay_1")
	assert.NoError(t, err)
	assert.Equal(t, "6.5", tx.UsdAmount.String())
	assert.Equal(t, "0.24069", tx.PriceAtTime.String())
	assert.True(t, tx.PiAmount.GreaterThan(decimal.NewFromInt(27)))
	assert.True(t, tx.PiAmount.LessThan(decimal.RequireFromString("27.01")))
	assert.Nil(t, tx.Txid)
}

func TestHandleApproval_IdempotentReplay(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err)
	res, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, model.StatusApproved, res.Status)
	assert.Equal(t, 1, f.gw.approveCalls, "replay must not re-drive the gateway")

	var count int64
	f.ledger.DB(f.ctx).Model(&model.Transaction{}).Where("payment_id=?", "pay_1").Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestHandleApproval_GatewayFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.approveOK = false

	res, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err, "gateway refusal is an outcome, not an error")
	assert.False(t, res.OK)
	assert.Equal(t, model.StatusFailed, res.Status)

	tx, _ := f.ledger.GetByPaymentID(f.ctx, "pay_1")
	assert.Equal(t, model.StatusFailed, tx.Status)
}

func TestHandleApproval_RejectsBadMetadata(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleApproval(f.ctx, "pay_1", ApprovalMeta{})
	assert.ErrorIs(t, err, ErrInvalidMetadata)
	assert.Equal(t, 0, f.gw.approveCalls, "no external call before validation")

	_, err = f.svc.HandleApproval(f.ctx, "pay_2", ApprovalMeta{UserID: "uid_1", PackageID: 999, GameAccount: "{}"})
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestPriceLock(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err)

	// rate moves after creation
	f.rates.price = decimal.RequireFromString("0.50")

	res, err := f.svc.HandleCompletion(f.ctx, "pay_1", "tx_99")
	assert.NoError(t, err)
	assert.True(t, res.OK)

	tx, _ := f.ledger.GetByPaymentID(f.ctx, "pay_1")
	assert.Equal(t, "0.24069", tx.PriceAtTime.String(), "amounts stay at the rate quoted at purchase")
	assert.Equal(t, "6.5", tx.UsdAmount.String())
}

func TestHandleCompletion_FullFlow(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err)

	res, err := f.svc.HandleCompletion(f.ctx, "pay_1", "tx_99")
	assert.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, model.StatusCompleted, res.Status)

	tx, _ := f.ledger.GetByPaymentID(f.ctx, "pay_1")
	assert.Equal(t, model.StatusCompleted, tx.Status)
	if assert.NotNil(t, tx.Txid) {
		assert.Equal(t, "tx_99", *tx.Txid)
	}
	assert.True(t, tx.EmailSent)
	assert.Equal(t, 1, f.mail.sent)

	var evts []model.OutboxEvent
	f.ledger.DB(f.ctx).Where("event_type=?", "PaymentCompleted").Find(&evts)
	assert.Len(t, evts, 1)
}

func TestHandleCompletion_UnknownPayment(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleCompletion(f.ctx, "pay_ghost", "tx_1")
	assert.ErrorIs(t, err, ErrUnknownPayment)

	var count int64
	f.ledger.DB(f.ctx).Model(&model.Transaction{}).Count(&count)
	assert.Equal(t, int64(0), count, "no transaction is fabricated")
}

func TestHandleCompletion_RequiresPriorApproval(t *testing.T) {
	f := newFixture(t)

	// seed a row stuck in pending
	assert.NoError(t, f.ledger.CreateTransaction(f.ctx, &model.Transaction{
		ID: "t-pending", UserID: "uid_1", PackageID: 2, PaymentID: "pay_1",
		PiAmount: decimal.NewFromInt(27), UsdAmount: decimal.RequireFromString("6.50"),
		PriceAtTime: decimal.RequireFromString("0.24069"),
		Status:      model.StatusPending, GameAccount: "{}",
	}))

	res, err := f.svc.HandleCompletion(f.ctx, "pay_1", "tx_99")
	assert.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, model.StatusPending, res.Status)
	assert.Equal(t, 0, f.gw.completeN)

	tx, _ := f.ledger.GetByPaymentID(f.ctx, "pay_1")
	assert.Nil(t, tx.Txid, "txid must not be set without approval")
}

func TestHandleCompletion_GatewayFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.completeOK = false

	_, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err)
	res, err := f.svc.HandleCompletion(f.ctx, "pay_1", "tx_99")
	assert.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, model.StatusFailed, res.Status)

	tx, _ := f.ledger.GetByPaymentID(f.ctx, "pay_1")
	assert.Equal(t, model.StatusFailed, tx.Status)
	assert.Nil(t, tx.Txid)
}

func TestNotificationFailureDoesNotRollBackCompletion(t *testing.T) {
	f := newFixture(t)
	f.mail.fail = true

	_, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err)
	res, err := f.svc.HandleCompletion(f.ctx, "pay_1", "tx_99")
	assert.NoError(t, err)
	assert.True(t, res.OK)

	tx, _ := f.ledger.GetByPaymentID(f.ctx, "pay_1")
	assert.Equal(t, model.StatusCompleted, tx.Status)
	assert.False(t, tx.EmailSent)
}

func TestStateMonotonicity(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err)
	_, err = f.svc.HandleCompletion(f.ctx, "pay_1", "tx_99")
	assert.NoError(t, err)

	// completed is terminal for every handler
	res, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, model.StatusCompleted, res.Status)

	res, err = f.svc.HandleCancellation(f.ctx, "pay_1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Status)

	res, err = f.svc.HandleCompletion(f.ctx, "pay_1", "tx_other")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Status)

	tx, _ := f.ledger.GetByPaymentID(f.ctx, "pay_1")
	assert.Equal(t, model.StatusCompleted, tx.Status)
	assert.Equal(t, "tx_99", *tx.Txid)
}

func TestHandleCancellation(t *testing.T) {
	f := newFixture(t)
	f.gw.approveOK = false

	_, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err) // row now failed; cancel is a no-op on terminal
	res, err := f.svc.HandleCancellation(f.ctx, "pay_1")
	assert.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, model.StatusFailed, res.Status)

	f.gw.approveOK = true
	_, err = f.svc.HandleApproval(f.ctx, "pay_2", meta())
	assert.NoError(t, err)
	res, err = f.svc.HandleCancellation(f.ctx, "pay_2")
	assert.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, model.StatusCancelled, res.Status)

	_, err = f.svc.HandleCancellation(f.ctx, "pay_ghost")
	assert.ErrorIs(t, err, ErrUnknownPayment)
}

func TestRecoverIncomplete_UsesRemoteMetadata(t *testing.T) {
	f := newFixture(t)
	f.gw.remote = &gateway.Payment{
		ID:   "pay_1",
		Txid: "tx_recovered",
		Metadata: gateway.PaymentMetadata{
			UserUID: "uid_1", PackageID: 2, GameAccount: `{"ign":"Raven"}`,
		},
	}

	res, err := f.svc.RecoverIncomplete(f.ctx, "pay_1", "")
	assert.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, model.StatusCompleted, res.Status)

	tx, _ := f.ledger.GetByPaymentID(f.ctx, "pay_1")
	assert.Equal(t, "tx_recovered", *tx.Txid)
	assert.Equal(t, "uid_1", tx.UserID)
}

func TestRecoverIncomplete_ExistingRowRunsNormalMachine(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err)

	res, err := f.svc.RecoverIncomplete(f.ctx, "pay_1", "tx_99")
	assert.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, model.StatusCompleted, res.Status)
	assert.Equal(t, 1, f.gw.approveCalls)
}

func TestQuotePackage(t *testing.T) {
	f := newFixture(t)

	q, err := f.svc.QuotePackage(f.ctx, 2)
	assert.NoError(t, err)
	assert.Equal(t, "6.5", q.UsdPrice.String())
	assert.Equal(t, "0.24069", q.Rate.String())
	assert.True(t, q.PiAmount.GreaterThan(decimal.NewFromInt(27)))

	_, err = f.svc.QuotePackage(f.ctx, 999)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUserTransactions(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleApproval(f.ctx, "pay_1", meta())
	assert.NoError(t, err)
	_, err = f.svc.HandleCompletion(f.ctx, "pay_1", "tx_99")
	assert.NoError(t, err)

	txs, err := f.svc.UserTransactions(f.ctx, "uid_1", 10)
	assert.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, model.StatusCompleted, txs[0].Status)
}
