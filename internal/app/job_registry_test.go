package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/proteamcare/billing-service/internal/domain"
)

func TestJobRegistry_RejectsDuplicateKeyWhileRunning(t *testing.T) {
	registry := NewJobRegistry(10, testLogger())
	release := make(chan struct{})

	run, err := registry.Start(domain.JobInvoiceGeneration, "invoice_generation:2025-03-05", func(ctx context.Context) (map[string]int, error) {
		<-release
		return map[string]int{"created": 1}, nil
	})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	_, err = registry.Start(domain.JobInvoiceGeneration, "invoice_generation:2025-03-05", func(ctx context.Context) (map[string]int, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrJobAlreadyRunning) {
		t.Fatalf("expected ErrJobAlreadyRunning, got %v", err)
	}

	close(release)
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := registry.Wait(waitCtx, run.ID); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	// Once the first run finished the key is free again.
	second, err := registry.Start(domain.JobInvoiceGeneration, "invoice_generation:2025-03-05", func(ctx context.Context) (map[string]int, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("expected the key released after completion, got %v", err)
	}
	if err := registry.Wait(waitCtx, second.ID); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
}

func TestJobRegistry_RecordsCompletedRunWithSummary(t *testing.T) {
	registry := NewJobRegistry(10, testLogger())

	run, err := registry.Start(domain.JobRecurrentBillingRun, "recurrent_billing_run:2025-03-05", func(ctx context.Context) (map[string]int, error) {
		return map[string]int{"processed": 3, "succeeded": 2, "failed": 1}, nil
	})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := registry.Wait(waitCtx, run.ID); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	finished, ok := registry.Get(run.ID)
	if !ok {
		t.Fatalf("expected run %s in the registry", run.ID)
	}
	if finished.Status != domain.JobCompleted {
		t.Fatalf("expected completed status, got %q", finished.Status)
	}
	if finished.Summary["processed"] != 3 {
		t.Fatalf("expected summary preserved, got %v", finished.Summary)
	}
	if finished.FinishedAt == nil {
		t.Fatal("expected a finish timestamp")
	}
}

func TestJobRegistry_FailedRunKeepsErrorDetail(t *testing.T) {
	registry := NewJobRegistry(10, testLogger())

	run, err := registry.Start(domain.JobFallbackSweep, "fallback_sweep", func(ctx context.Context) (map[string]int, error) {
		return nil, errors.New("store unavailable")
	})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := registry.Wait(waitCtx, run.ID); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	finished, _ := registry.Get(run.ID)
	if finished.Status != domain.JobFailed {
		t.Fatalf("expected failed status, got %q", finished.Status)
	}
	if finished.Error != "store unavailable" {
		t.Fatalf("expected the error detail preserved, got %q", finished.Error)
	}
}

func TestJobRegistry_CancelStopsCooperativeJob(t *testing.T) {
	registry := NewJobRegistry(10, testLogger())
	started := make(chan struct{})

	run, err := registry.Start(domain.JobStatusReconciliation, "status_reconciliation", func(ctx context.Context) (map[string]int, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	<-started
	if !registry.Cancel(run.ID) {
		t.Fatal("expected Cancel to reach the running job")
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := registry.Wait(waitCtx, run.ID); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	finished, _ := registry.Get(run.ID)
	if finished.Status != domain.JobCancelled {
		t.Fatalf("expected cancelled status, got %q", finished.Status)
	}

	// Cancelling a finished run reports false instead of erroring.
	if registry.Cancel(run.ID) {
		t.Fatal("expected Cancel to report false for a finished run")
	}
}

func TestJobRegistry_RecoversFromPanic(t *testing.T) {
	registry := NewJobRegistry(10, testLogger())

	run, err := registry.Start(domain.JobInvoiceGeneration, "invoice_generation:2025-03-06", func(ctx context.Context) (map[string]int, error) {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := registry.Wait(waitCtx, run.ID); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	finished, _ := registry.Get(run.ID)
	if finished.Status != domain.JobFailed {
		t.Fatalf("expected a panicking job recorded as failed, got %q", finished.Status)
	}
	if finished.Error == "" {
		t.Fatal("expected the panic captured in the error detail")
	}
}

func TestJobRegistry_HistoryIsBounded(t *testing.T) {
	registry := NewJobRegistry(3, testLogger())
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstID string
	for i := 0; i < 5; i++ {
		run, err := registry.Start(domain.JobFallbackSweep, "fallback_sweep", func(ctx context.Context) (map[string]int, error) {
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		if i == 0 {
			firstID = run.ID
		}
		if err := registry.Wait(waitCtx, run.ID); err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	}

	if got := len(registry.List()); got != 3 {
		t.Fatalf("expected history capped at 3 runs, got %d", got)
	}
	if _, ok := registry.Get(firstID); ok {
		t.Fatal("expected the oldest run evicted from the registry")
	}
}
