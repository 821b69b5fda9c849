package mail

import (
	"context"
	"fmt"

	"github.com/kulangara/backend/internal/logging"
)

// DirectDispatcher renders and sends in the caller's goroutine.
type DirectDispatcher struct {
	sender   Sender
	composer Composer
	log      logging.Logger
}

func NewDirectDispatcher(sender Sender, composer Composer, log logging.Logger) *DirectDispatcher {
	return &DirectDispatcher{sender: sender, composer: composer, log: log}
}

func (d *DirectDispatcher) SendVerificationEmail(ctx context.Context, email, name, token string) error {
	return d.Deliver(ctx, Job{Kind: KindVerification, To: email, Name: name, Token: token})
}

func (d *DirectDispatcher) SendPasswordResetEmail(ctx context.Context, email, name, token string) error {
	return d.Deliver(ctx, Job{Kind: KindPasswordReset, To: email, Name: name, Token: token})
}

func (d *DirectDispatcher) Deliver(ctx context.Context, job Job) error {
	msg, err := d.composer.Compose(job)
	if err != nil {
		return err
	}
	id, err := d.sender.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending %s email: %w", job.Kind, err)
	}
	d.log.Debug(ctx, "email sent", "kind", job.Kind, "to", job.To, "messageId", id)
	return nil
}
