package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/coder/quartz"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/testutil"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu        sync.Mutex
	published []published
	declared  []string
	err       error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.declared = append(c.declared, name+":"+kind)
	if !durable {
		return errors.New("exchange must be durable")
	}
	return nil
}

type fakeRunner struct {
	ch  *fakeChannel
	err error
}

func (r fakeRunner) WithChannel(_ context.Context, fn func(Channel) error) error {
	if r.err != nil {
		return r.err
	}
	return fn(r.ch)
}

func newTestPublisher(t *testing.T, runner ChannelRunner) *Publisher {
	t.Helper()
	clk := quartz.NewMock(t)
	clk.Set(testutil.TestTime())
	p, err := NewPublisher(PublisherOptions{
		Runner:     runner,
		Exchange:   "tripcore.jobs",
		RoutingKey: "job.events",
		Clock:      clk,
	})
	require.NoError(t, err)
	return p
}

var _ core.JobEventPublisher = (*Publisher)(nil)

func TestNewPublisher(t *testing.T) {
	runner := fakeRunner{ch: &fakeChannel{}}

	tests := []struct {
		name string
		opts PublisherOptions
	}{
		{name: "missing runner", opts: PublisherOptions{Exchange: "x", RoutingKey: "k"}},
		{name: "missing exchange", opts: PublisherOptions{Runner: runner, RoutingKey: "k"}},
		{name: "missing routing key", opts: PublisherOptions{Runner: runner, Exchange: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPublisher(tt.opts)
			require.Error(t, err)
		})
	}
}

func TestPublisher_PublishJobEvent(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(t, fakeRunner{ch: ch})

	job := &model.Job{
		ID:         "job-1",
		Type:       model.JobTypeHotelSearch,
		Status:     model.JobStatusCompleted,
		Progress:   100,
		RetryCount: 1,
	}
	event := model.NewJobEvent(model.JobEventCompleted, job, testutil.TestTime())

	require.NoError(t, p.PublishJobEvent(context.Background(), event))

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "tripcore.jobs", got.exchange)
	assert.Equal(t, "job.events.completed", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "job.completed", got.msg.Type)
	assert.NotEmpty(t, got.msg.MessageId)
	assert.True(t, got.msg.Timestamp.Equal(testutil.TestTime()))

	var msg Message
	require.NoError(t, json.Unmarshal(got.msg.Body, &msg))
	assert.Equal(t, got.msg.MessageId, msg.ID)
	assert.Equal(t, "job-1", msg.Payload.JobID)
	assert.Equal(t, model.JobStatusCompleted, msg.Payload.Status)
	assert.Equal(t, 100, msg.Payload.Progress)
}

func TestPublisher_RoutingKey(t *testing.T) {
	p := newTestPublisher(t, fakeRunner{ch: &fakeChannel{}})

	assert.Equal(t, "job.events.created", p.RoutingKey(model.JobEventCreated))
	assert.Equal(t, "job.events.retried", p.RoutingKey(model.JobEventRetried))
}

func TestPublisher_Errors(t *testing.T) {
	event := model.JobEvent{Type: model.JobEventFailed, JobID: "job-2"}

	t.Run("no channel", func(t *testing.T) {
		p := newTestPublisher(t, fakeRunner{err: errors.New("no amqp channel available")})
		err := p.PublishJobEvent(context.Background(), event)
		require.Error(t, err)
		assert.True(t, apperrors.IsUnavailable(err))
	})

	t.Run("publish rejected", func(t *testing.T) {
		p := newTestPublisher(t, fakeRunner{ch: &fakeChannel{err: amqp.ErrClosed}})
		err := p.PublishJobEvent(context.Background(), event)
		require.ErrorIs(t, err, amqp.ErrClosed)
		assert.True(t, apperrors.IsUnavailable(err))
	})
}

func TestPublisher_DeclareTopology(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(t, fakeRunner{ch: ch})

	require.NoError(t, p.DeclareTopology(context.Background()))
	assert.Equal(t, []string{"tripcore.jobs:topic"}, ch.declared)

	failing := newTestPublisher(t, fakeRunner{ch: &fakeChannel{err: errors.New("access refused")}})
	err := failing.DeclareTopology(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declare exchange tripcore.jobs")
}
