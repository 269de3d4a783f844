package domain

import (
	"testing"
	"time"
)

func TestInvoiceJobDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	params := ClaimParams{Now: now, Limit: 10, MaxAttempts: 3}

	job := NewIssueInvoiceJob("order-1", now)
	if job.ID == "" || job.Type != JobTypeIssueInvoice || job.Status != JobStatusPending {
		t.Fatalf("unexpected new job: %+v", job)
	}
	if !job.Due(params) {
		t.Fatal("fresh job must be due")
	}

	later := job
	later.ScheduledAt = now.Add(time.Second)
	if later.Due(params) {
		t.Fatal("job scheduled in the future must not be due")
	}

	exhausted := job
	exhausted.Attempts = 3
	if exhausted.Due(params) {
		t.Fatal("job without remaining attempts must not be due")
	}

	processing := job
	processing.Status = JobStatusProcessing
	if processing.Due(params) {
		t.Fatal("processing job must not be due")
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if !JobStatusCompleted.Terminal() || !JobStatusFailed.Terminal() {
		t.Fatal("completed and failed are terminal")
	}
	if JobStatusPending.Terminal() || JobStatusProcessing.Terminal() {
		t.Fatal("pending and processing are not terminal")
	}
	if JobStatus("DONE").Valid() {
		t.Fatal("unknown status must be invalid")
	}
}
