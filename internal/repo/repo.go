package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rinzindorjit/b4uesports/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminalState is returned when a status change would leave a terminal state.
var ErrTerminalState = errors.New("transaction already in terminal state")

// ErrInvalidTransition is returned for a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// LedgerInterface restricts Ledger methods (unit test mocks).
type LedgerInterface interface {
	DB(ctx context.Context) *gorm.DB
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetByPaymentID(ctx context.Context, paymentID string) (*model.Transaction, error)
	UpdateStatus(ctx context.Context, paymentID, from, to string) error
	SetCompleted(ctx context.Context, paymentID, txid string) error
	MarkEmailSent(ctx context.Context, paymentID string) error
	ListUserTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
	ListIncomplete(ctx context.Context, userID string) ([]model.Transaction, error)
	GetPackage(ctx context.Context, id uint64) (*model.Package, error)
	ListPackages(ctx context.Context, game string) ([]model.Package, error)
	GetUser(ctx context.Context, piUID string) (*model.User, error)
	UpsertUser(ctx context.Context, u *model.User) error
	CreateOutboxEvent(ctx context.Context, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheRate(ctx context.Context, rate decimal.Decimal) error
	GetCachedRate(ctx context.Context) (decimal.Decimal, error)
}

// Ledger implements LedgerInterface over gorm, redis and kafka.
type Ledger struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewLedger constructs the ledger repository.
func NewLedger(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (l *Ledger) DB(ctx context.Context) *gorm.DB { return l.db.WithContext(ctx) }

// CreateTransaction inserts a purchase row. The unique index on payment_id
// makes duplicate callbacks fail here instead of creating a second row.
func (l *Ledger) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	return l.db.WithContext(ctx).Create(t).Error
}

// GetByPaymentID looks a transaction up by its Pi payment id.
func (l *Ledger) GetByPaymentID(ctx context.Context, paymentID string) (*model.Transaction, error) {
	var t model.Transaction
	err := l.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateStatus performs a guarded compare-and-set on status. The WHERE clause
// doubles as the concurrency guard: a racing update loses and gets an error.
func (l *Ledger) UpdateStatus(ctx context.Context, paymentID, from, to string) error {
	if !model.CanTransition(from, to) {
		if model.Terminal(from) {
			return ErrTerminalState
		}
		return ErrInvalidTransition
	}
	res := l.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("payment_id = ? AND status = ?", paymentID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		cur, err := l.GetByPaymentID(ctx, paymentID)
		if err != nil {
			return err
		}
		if model.Terminal(cur.Status) {
			return ErrTerminalState
		}
		return ErrInvalidTransition
	}
	return nil
}

// SetCompleted flips an approved row to completed and records the settlement
// txid in the same statement, so txid exists iff status is completed.
func (l *Ledger) SetCompleted(ctx context.Context, paymentID, txid string) error {
	res := l.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("payment_id = ? AND status = ?", paymentID, model.StatusApproved).
		Updates(map[string]interface{}{
			"status":     model.StatusCompleted,
			"txid":       txid,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		cur, err := l.GetByPaymentID(ctx, paymentID)
		if err != nil {
			return err
		}
		if model.Terminal(cur.Status) {
			return ErrTerminalState
		}
		return ErrInvalidTransition
	}
	return nil
}

// MarkEmailSent records a successful confirmation delivery.
func (l *Ledger) MarkEmailSent(ctx context.Context, paymentID string) error {
	return l.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("payment_id = ?", paymentID).
		Update("email_sent", true).Error
}

// ListUserTransactions fetches recent purchases for a user.
func (l *Ledger) ListUserTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// ListIncomplete returns a user's non-terminal purchases, oldest first.
func (l *Ledger) ListIncomplete(ctx context.Context, userID string) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []string{model.StatusPending, model.StatusApproved}).
		Order("created_at asc").
		Find(&txs).Error
	return txs, err
}

// GetPackage reads one catalog item.
func (l *Ledger) GetPackage(ctx context.Context, id uint64) (*model.Package, error) {
	var p model.Package
	err := l.db.WithContext(ctx).Where("id = ? AND active = ?", id, true).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPackages returns active catalog items, optionally filtered by game.
func (l *Ledger) ListPackages(ctx context.Context, game string) ([]model.Package, error) {
	q := l.db.WithContext(ctx).Where("active = ?", true)
	if game != "" {
		q = q.Where("game = ?", game)
	}
	var pkgs []model.Package
	err := q.Order("id").Find(&pkgs).Error
	return pkgs, err
}

// GetUser fetches a user by Pi UID.
func (l *Ledger) GetUser(ctx context.Context, piUID string) (*model.User, error) {
	var u model.User
	err := l.db.WithContext(ctx).Where("pi_uid = ?", piUID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser creates the user on first sign-in and refreshes the username after.
func (l *Ledger) UpsertUser(ctx context.Context, u *model.User) error {
	var existing model.User
	err := l.db.WithContext(ctx).Where("pi_uid = ?", u.PiUID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return l.db.WithContext(ctx).Create(u).Error
	}
	if err != nil {
		return err
	}
	u.ID = existing.ID
	return l.db.WithContext(ctx).Model(&existing).
		Updates(map[string]interface{}{"username": u.Username, "email": u.Email}).Error
}

// CreateOutboxEvent writes event.
func (l *Ledger) CreateOutboxEvent(ctx context.Context, evt *model.OutboxEvent) error {
	return l.db.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (l *Ledger) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := l.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (l *Ledger) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return l.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (l *Ledger) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return l.writer.WriteMessages(ctx, msg)
}

const rateKey = "pi:rate:usd"

// CacheRate mirrors the last good Pi/USD rate into Redis.
func (l *Ledger) CacheRate(ctx context.Context, rate decimal.Decimal) error {
	return l.rdb.Set(ctx, rateKey, rate.String(), 10*time.Minute).Err()
}

// GetCachedRate reads the mirrored rate.
func (l *Ledger) GetCachedRate(ctx context.Context) (decimal.Decimal, error) {
	str, err := l.rdb.Get(ctx, rateKey).Result()
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(str)
	if err != nil {
		return decimal.Zero, fmt.Errorf("cached rate %q: %w", str, err)
	}
	return d, nil
}
