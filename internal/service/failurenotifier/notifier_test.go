package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/notify"
)

func TestServiceNotifyJobFailure(t *testing.T) {
	ctx := context.Background()

	var received []notify.JobFailurePayload
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{
				Name: "capture",
				Sink: notify.SinkFunc(func(ctx context.Context, payload notify.JobFailurePayload) error {
					received = append(received, payload)
					return nil
				}),
			},
		},
	})

	svc.NotifyJobFailure(ctx, notify.JobFailurePayload{
		JobID:   "123",
		JobType: "hotel_search",
	})

	if len(received) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(received))
	}
	if received[0].Severity != notify.SeverityCritical {
		t.Fatalf("expected severity to default to critical, got %s", received[0].Severity)
	}
}

func TestServiceFansOutToEverySink(t *testing.T) {
	var (
		mu    sync.Mutex
		names []string
	)
	capture := func(name string) SinkRegistration {
		return SinkRegistration{Name: name, Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
			mu.Lock()
			defer mu.Unlock()
			names = append(names, name)
			return nil
		})}
	}

	svc := NewService(Options{Sinks: []SinkRegistration{capture("a"), {Name: "nil"}, capture("b")}})
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "j1"})

	if len(names) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", names)
	}
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	if svc.Enabled() {
		t.Fatal("expected Enabled() to be false when no sinks registered")
	}
	var nilSvc *Service
	if nilSvc.Enabled() {
		t.Fatal("expected nil service to be disabled")
	}
	nilSvc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "x"})
}

func TestServiceLogsErrors(t *testing.T) {
	// Ensure we don't panic when sink returns an error.
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{
				Name: "fail",
				Sink: notify.SinkFunc(func(ctx context.Context, payload notify.JobFailurePayload) error {
					return errors.New("boom")
				}),
			},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123"})
}

func TestServiceSkipsIgnoredClasses(t *testing.T) {
	var called bool
	svc := NewService(Options{
		SkipClasses: []string{"canceled"},
		Sinks: []SinkRegistration{
			{
				Name: "capture",
				Sink: notify.SinkFunc(func(ctx context.Context, payload notify.JobFailurePayload) error {
					called = true
					return nil
				}),
			},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{
		JobID:      "job-1",
		JobType:    "flight_search",
		ErrorClass: "canceled",
	})

	if called {
		t.Fatal("expected sink not to be invoked for an ignored error class")
	}
}

func TestServiceAppliesSinkTimeout(t *testing.T) {
	var hadDeadline bool
	svc := NewService(Options{
		Timeout: time.Second,
		Sinks: []SinkRegistration{
			{
				Name: "deadline",
				Sink: notify.SinkFunc(func(ctx context.Context, payload notify.JobFailurePayload) error {
					_, hadDeadline = ctx.Deadline()
					return nil
				}),
			},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "job-1"})

	if !hadDeadline {
		t.Fatal("expected sink context to carry a deadline")
	}
}
