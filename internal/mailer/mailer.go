package mailer

import (
	"context"
	"fmt"

	"github.com/rinzindorjit/b4uesports/internal/config"
	"github.com/rinzindorjit/b4uesports/internal/model"
	mail "github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Mailer sends the purchase confirmation. Delivery is best-effort; callers
// must not let a mail error affect payment state.
type Mailer interface {
	SendPurchaseConfirmation(ctx context.Context, t *model.Transaction, u *model.User, p *model.Package) error
}

// SMTPMailer delivers over SMTP.
type SMTPMailer struct {
	cfg config.SMTPConfig
	log *zap.SugaredLogger
}

func NewSMTPMailer(cfg config.SMTPConfig, logger *zap.SugaredLogger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, log: logger}
}

func (m *SMTPMailer) SendPurchaseConfirmation(ctx context.Context, t *model.Transaction, u *model.User, p *model.Package) error {
	if u.Email == "" {
		return fmt.Errorf("user %s has no email on file", u.PiUID)
	}

	client, err := mail.NewClient(m.cfg.Host,
		mail.WithPort(m.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.Username),
		mail.WithPassword(m.cfg.Password),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return err
	}
	if err := msg.To(u.Email); err != nil {
		return err
	}

	txid := ""
	if t.Txid != nil {
		txid = *t.Txid
	}
	msg.Subject(fmt.Sprintf("Your %s purchase", p.Name))
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Hi %s,\n\nYour purchase of %s (%s) is %s.\n\nPaid: %s Pi (USD %s)\nPayment: %s\nBlockchain txid: %s\n\nB4U Esports",
		u.Username, p.Name, p.Game, t.Status,
		t.PiAmount.StringFixed(8), t.UsdAmount.StringFixed(2), t.PaymentID, txid,
	))
	msg.AddAlternativeString(mail.TypeTextHTML, fmt.Sprintf(
		`<html><body style="font-family: Arial, sans-serif;">
<h2>Purchase %s</h2>
<p>Hi %s,</p>
<p>Your purchase of <b>%s</b> (%s) is <b>%s</b>.</p>
<p>Paid: <b>%s Pi</b> (USD %s)<br>Payment: %s<br>Blockchain txid: %s</p>
<p>B4U Esports</p>
</body></html>`,
		t.Status, u.Username, p.Name, p.Game, t.Status,
		t.PiAmount.StringFixed(8), t.UsdAmount.StringFixed(2), t.PaymentID, txid,
	))

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	return nil
}
