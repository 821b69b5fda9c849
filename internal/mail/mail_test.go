package mail

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kulangara/backend/internal/client"
	"github.com/kulangara/backend/internal/logging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var composer = Composer{
	AppName:          "Kulangara",
	AppURL:           "https://app.example/",
	VerificationTTL:  24 * time.Hour,
	PasswordResetTTL: time.Hour,
}

type fakeSender struct {
	mu   sync.Mutex
	sent []client.Email
	err  error
}

func (f *fakeSender) Send(_ context.Context, e client.Email) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, e)
	return "id", nil
}

func TestCompose(t *testing.T) {
	verify, err := composer.Compose(Job{Kind: KindVerification, To: "a@b.com", Name: "Ann", Token: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@b.com"}, verify.To)
	assert.Contains(t, verify.HTML, "https://app.example/verify-email/tok-1")
	assert.Contains(t, verify.Text, "24 hours")

	reset, err := composer.Compose(Job{Kind: KindPasswordReset, To: "a@b.com", Token: "tok-2"})
	require.NoError(t, err)
	assert.Contains(t, reset.Text, "https://app.example/reset-password?token=tok-2")
	assert.Contains(t, reset.Text, "1 hour")

	_, err = composer.Compose(Job{Kind: "newsletter"})
	require.Error(t, err)
}

func TestHumanDuration(t *testing.T) {
	assert.Equal(t, "1 hour", humanDuration(time.Hour))
	assert.Equal(t, "2 days", humanDuration(48*time.Hour))
	assert.Equal(t, "15 minutes", humanDuration(15*time.Minute))
}

func TestDirectDispatcher(t *testing.T) {
	sender := &fakeSender{}
	d := NewDirectDispatcher(sender, composer, logging.Discard())

	require.NoError(t, d.SendPasswordResetEmail(context.Background(), "a@b.com", "Ann", "t"))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Reset your Kulangara password", sender.sent[0].Subject)

	sender.err = errors.New("provider down")
	err := d.SendVerificationEmail(context.Background(), "a@b.com", "Ann", "t")
	require.ErrorContains(t, err, "provider down")
}

type fakePublisher struct {
	key string
	msg amqp.Publishing
	err error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.key, f.msg = key, msg
	return f.err
}

func TestQueueDispatcher(t *testing.T) {
	pub := &fakePublisher{}
	q := NewQueueDispatcher(pub, "email")

	require.NoError(t, q.SendVerificationEmail(context.Background(), "a@b.com", "Ann", "tok"))

	assert.Equal(t, "email", pub.key)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	var job Job
	require.NoError(t, json.Unmarshal(pub.msg.Body, &job))
	assert.Equal(t, Job{Kind: KindVerification, To: "a@b.com", Name: "Ann", Token: "tok"}, job)

	pub.err = errors.New("channel closed")
	require.Error(t, q.SendPasswordResetEmail(context.Background(), "a@b.com", "Ann", "tok"))
}

type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = a.requeue || requeue
	return nil
}

func (a *ackRecorder) Reject(uint64, bool) error { return nil }

type fakeConsumer struct {
	deliveries chan amqp.Delivery
}

func (f *fakeConsumer) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

type fakeDeliverer struct {
	fail map[string]bool
}

func (f fakeDeliverer) Deliver(_ context.Context, job Job) error {
	if f.fail[job.To] {
		return errors.New("send failed")
	}
	return nil
}

func TestWorker_AcksAndDrops(t *testing.T) {
	acks := &ackRecorder{}
	deliveries := make(chan amqp.Delivery, 3)
	body := func(to string) []byte {
		b, _ := json.Marshal(Job{Kind: KindVerification, To: to})
		return b
	}
	deliveries <- amqp.Delivery{Acknowledger: acks, Body: body("ok@b.com")}
	deliveries <- amqp.Delivery{Acknowledger: acks, Body: body("bad@b.com")}
	deliveries <- amqp.Delivery{Acknowledger: acks, Body: []byte("{not json")}
	close(deliveries)

	w := NewWorker(&fakeConsumer{deliveries: deliveries}, "email",
		fakeDeliverer{fail: map[string]bool{"bad@b.com": true}}, logging.Discard())

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, 1, acks.acks)
	assert.Equal(t, 2, acks.nacks)
	assert.False(t, acks.requeue)
}

func TestWorker_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(&fakeConsumer{deliveries: make(chan amqp.Delivery)}, "email", fakeDeliverer{}, logging.Discard())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
