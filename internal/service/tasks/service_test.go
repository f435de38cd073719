package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/edgewatch/heartbeat/internal/domain"
	"github.com/edgewatch/heartbeat/internal/repository"
	"github.com/edgewatch/heartbeat/internal/repository/memory"
)

func TestEnqueueAssignsIDAndPending(t *testing.T) {
	svc := New(memory.NewStore(), nil, 0)

	task, err := svc.Enqueue(context.Background(), " edge-ams-1 ", "rotate-keys", json.RawMessage(`{"keyset":"2026-03"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected generated task id")
	}
	if task.ServerID != "edge-ams-1" {
		t.Fatalf("expected trimmed server id, got %q", task.ServerID)
	}
	if task.Status != domain.TaskStatusPending {
		t.Fatalf("expected pending status, got %q", task.Status)
	}
}

func TestEnqueueRejectsBlankFields(t *testing.T) {
	svc := New(memory.NewStore(), nil, 0)

	if _, err := svc.Enqueue(context.Background(), "", "rotate-keys", nil); err == nil {
		t.Fatal("expected error for blank server_id")
	}
	if _, err := svc.Enqueue(context.Background(), "edge-ams-1", "  ", nil); err == nil {
		t.Fatal("expected error for blank type")
	}
}

func TestClaimMarksDeliveredOnce(t *testing.T) {
	store := memory.NewStore()
	svc := New(store, nil, 0)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, "edge-ams-1", "restart-wg", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := svc.Claim(ctx, "edge-ams-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != task.ID {
		t.Fatalf("expected the enqueued task, got %+v", claimed)
	}
	if claimed[0].Status != domain.TaskStatusDelivered {
		t.Fatalf("expected delivered status, got %q", claimed[0].Status)
	}

	again, err := svc.Claim(ctx, "edge-ams-1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no re-delivery, got %+v", again)
	}
}

func TestClaimHonorsLimit(t *testing.T) {
	store := memory.NewStore()
	svc := New(store, nil, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Enqueue(ctx, "edge-ams-1", "noop", nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	claimed, err := svc.Claim(ctx, "edge-ams-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected claim limit of 2, got %d", len(claimed))
	}
}

func TestClaimBlankServerReturnsEmpty(t *testing.T) {
	svc := New(memory.NewStore(), nil, 0)

	claimed, err := svc.Claim(context.Background(), "  ")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected empty claim, got %+v", claimed)
	}
}

func TestAckValidatesStatus(t *testing.T) {
	store := memory.NewStore()
	svc := New(store, nil, 0)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, "edge-ams-1", "restart-wg", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.Claim(ctx, "edge-ams-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := svc.Ack(ctx, task.ID, "delivered"); !errors.Is(err, ErrInvalidAckStatus) {
		t.Fatalf("expected ErrInvalidAckStatus, got %v", err)
	}
	if err := svc.Ack(ctx, task.ID, " DONE "); err != nil {
		t.Fatalf("ack done: %v", err)
	}
}

func TestAckUnknownTask(t *testing.T) {
	svc := New(memory.NewStore(), nil, 0)

	err := svc.Ack(context.Background(), "no-such-task", "failed")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
