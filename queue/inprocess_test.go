package queue

import (
	"context"
	"testing"
	"time"
)

func TestClaimReturnsEnqueuedJobInFIFOOrder(t *testing.T) {
	q := NewInProcess()
	ctx := context.Background()
	if err := q.Enqueue(ctx, Job{ID: "a", Kind: AgentTask, TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if err := q.Enqueue(ctx, Job{ID: "b", Kind: AgentTask, TaskID: "t2"}); err != nil {
		t.Fatal(err)
	}

	job, ok, err := q.Claim(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("Claim = (%v, %v, %v)", job, ok, err)
	}
	if job.ID != "a" {
		t.Fatalf("expected oldest job a first, got %s", job.ID)
	}
}

func TestClaimTimesOutWhenNothingReady(t *testing.T) {
	q := NewInProcess()
	_, ok, err := q.Claim(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no job to be claimable")
	}
}

func TestNackMakesJobReclaimableAfterDelay(t *testing.T) {
	q := NewInProcess()
	ctx := context.Background()
	if err := q.Enqueue(ctx, Job{ID: "a", Kind: AgentTask, TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	job, ok, err := q.Claim(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("initial claim failed: %v %v", ok, err)
	}
	if err := q.Nack(ctx, job.ID, 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := q.Claim(ctx, 5*time.Millisecond); ok {
		t.Fatal("job should not be claimable before its delay elapses")
	}

	job2, ok, err := q.Claim(ctx, 100*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected job reclaimable after delay, got (%v, %v, %v)", job2, ok, err)
	}
	if job2.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1", job2.Attempt)
	}
}

func TestAckRemovesLeasedJob(t *testing.T) {
	q := NewInProcess()
	ctx := context.Background()
	if err := q.Enqueue(ctx, Job{ID: "a", Kind: Research, TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	job, _, _ := q.Claim(ctx, time.Second)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(ctx, job.ID); err == nil {
		t.Fatal("acking an already-acked job should fail")
	}
}

func TestReclaimExpiredLeasesRequeuesCrashedWorkerJobs(t *testing.T) {
	q := NewInProcess()
	ctx := context.Background()
	if err := q.Enqueue(ctx, Job{ID: "a", Kind: Webhook, TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	job, _, _ := q.Claim(ctx, time.Second)

	q.mu.Lock()
	leased := q.leased[job.ID]
	leased.LeaseUntil = time.Now().Add(-time.Second)
	q.leased[job.ID] = leased
	q.mu.Unlock()

	n := q.ReclaimExpiredLeases(ctx)
	if n != 1 {
		t.Fatalf("ReclaimExpiredLeases = %d, want 1", n)
	}
	if _, ok, _ := q.Claim(ctx, time.Second); !ok {
		t.Fatal("expected reclaimed job to be claimable again")
	}
}
