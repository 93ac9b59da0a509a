package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/logger"
	"github.com/Strob0t/DocFlow/internal/port/messagequeue"
)

// IntakeService starts executions for documents submitted on the queue.
type IntakeService struct {
	orch  *OrchestratorService
	queue messagequeue.Queue
}

// NewIntakeService creates an IntakeService.
func NewIntakeService(orch *OrchestratorService, queue messagequeue.Queue) *IntakeService {
	return &IntakeService{orch: orch, queue: queue}
}

// StartSubscriber subscribes to documents.submitted.
func (s *IntakeService) StartSubscriber(ctx context.Context) (cancel func(), err error) {
	return s.queue.Subscribe(ctx, messagequeue.SubjectDocumentSubmitted, s.HandleSubmitted)
}

// HandleSubmitted starts one execution. A reused execution id is
// acknowledged: the message was already acted on.
func (s *IntakeService) HandleSubmitted(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.DocumentSubmittedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal document submitted: %v: %w", err, domain.ErrValidation)
	}
	view, err := s.orch.Start(ctx, StartRequest{ExecutionID: p.ExecutionID, Document: p.Document})
	if errors.Is(err, domain.ErrAlreadyExists) {
		logger.From(ctx).Info("submitted document already has an execution", "execution_id", p.ExecutionID)
		return nil
	}
	if err != nil {
		return err
	}
	logger.From(ctx).Info("document accepted", "execution_id", view.ExecutionID, "state", view.State)
	return nil
}

// Submit publishes a document for asynchronous intake.
func (s *IntakeService) Submit(ctx context.Context, req StartRequest) error {
	if err := req.Document.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(messagequeue.DocumentSubmittedPayload{ExecutionID: req.ExecutionID, Document: req.Document})
	if err != nil {
		return fmt.Errorf("marshal document submitted: %w", err)
	}
	return s.queue.Publish(ctx, messagequeue.SubjectDocumentSubmitted, data)
}
