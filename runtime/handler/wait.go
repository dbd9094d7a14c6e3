package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duraflow/flowd/runtime/command"
	"github.com/duraflow/flowd/runtime/workflow"
)

// WaitHandler persists a durable timer and suspends the run until the timer
// sweeper fires it back as a signal.
type WaitHandler struct{}

// NewWaitHandler returns the wait state handler.
func NewWaitHandler() *WaitHandler { return &WaitHandler{} }

// Execute writes the timer row for the state's deadline.
func (h *WaitHandler) Execute(ctx context.Context, scope *Scope, cmd *command.Command) (*Result, error) {
	fireAt := cmd.WaitUntil
	if cmd.WaitUntil.IsZero() {
		fireAt = time.Now().Add(time.Duration(cmd.Seconds) * time.Second)
	}
	timer := &workflow.Timer{
		TimerID:   uuid.NewString(),
		RunID:     scope.RunID,
		StateName: scope.StateName,
		FireAt:    fireAt,
		CreatedAt: time.Now(),
	}
	if err := scope.Store.CreateTimer(ctx, timer); err != nil {
		return nil, fmt.Errorf("create timer for %s/%s: %w", scope.RunID, scope.StateName, err)
	}
	return &Result{
		IsBlocking: true,
		NextState:  cmd.Next,
		Metadata:   map[string]any{"timer_id": timer.TimerID, "fire_at": fireAt},
	}, nil
}
