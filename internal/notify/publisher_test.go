package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/model"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	mu     sync.Mutex
	out    []published
	err    error
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.out = append(f.out, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func testLead() model.Lead {
	return model.Lead{TenantID: "site-1", ChatID: "chat-1", VisitorID: "v-1", VisitorName: "Anna", Text: "Hello"}
}

func TestNotifyNewLeadPublishesEnvelope(t *testing.T) {
	ch := &fakeChannel{}
	opened := 0
	p := newPublisher(Config{Exchange: "livechat.notifications"}, func() (Channel, error) {
		opened++
		return ch, nil
	}, zap.NewNop())

	require.NoError(t, p.NotifyNewLead(context.Background(), testLead()))
	require.NoError(t, p.NotifyNewLead(context.Background(), testLead()))

	assert.Equal(t, 1, opened, "channel is reused between publishes")
	require.Len(t, ch.out, 2)
	first := ch.out[0]
	assert.Equal(t, "livechat.notifications", first.exchange)
	assert.Equal(t, EventLeadCreated, first.key)
	assert.Equal(t, "application/json", first.msg.ContentType)
	assert.Equal(t, amqp091.Persistent, first.msg.DeliveryMode)

	var env Envelope
	require.NoError(t, json.Unmarshal(first.msg.Body, &env))
	assert.Equal(t, first.msg.MessageId, env.ID)
	assert.Equal(t, EventLeadCreated, env.Type)
	assert.Equal(t, testLead(), env.Data)
	assert.NotEmpty(t, env.OccurredAt)
	assert.NotEqual(t, ch.out[0].msg.MessageId, ch.out[1].msg.MessageId)
}

func TestNotifyNewLeadReopensChannelAfterFailure(t *testing.T) {
	broken := &fakeChannel{err: errors.New("channel closed")}
	healthy := &fakeChannel{}
	channels := []*fakeChannel{broken, healthy}
	p := newPublisher(Config{Exchange: "x", BreakerFailures: 3}, func() (Channel, error) {
		ch := channels[0]
		channels = channels[1:]
		return ch, nil
	}, zap.NewNop())

	err := p.NotifyNewLead(context.Background(), testLead())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrTransientIO))
	assert.True(t, broken.closed)

	require.NoError(t, p.NotifyNewLead(context.Background(), testLead()))
	assert.Len(t, healthy.out, 1)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	opens := 0
	p := newPublisher(Config{Exchange: "x", BreakerFailures: 2, BreakerTimeout: time.Minute}, func() (Channel, error) {
		opens++
		return nil, errors.New("connection refused")
	}, zap.New(core))

	for i := 0; i < 2; i++ {
		require.Error(t, p.NotifyNewLead(context.Background(), testLead()))
	}
	err := p.NotifyNewLead(context.Background(), testLead())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suspended")
	assert.Equal(t, 2, opens, "open breaker does not touch the broker")

	entries := logs.FilterMessage("Circuit breaker state changed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "open", entries[0].ContextMap()["to"])
}

func TestCloseReleasesChannel(t *testing.T) {
	ch := &fakeChannel{}
	connClosed := false
	p := newPublisher(Config{Exchange: "x"}, func() (Channel, error) { return ch, nil }, zap.NewNop())
	p.closeFn = func() error { connClosed = true; return nil }

	require.NoError(t, p.NotifyNewLead(context.Background(), testLead()))
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
	assert.True(t, connClosed)
}

func TestNopNotifier(t *testing.T) {
	assert.NoError(t, Nop{}.NotifyNewLead(context.Background(), testLead()))
}
