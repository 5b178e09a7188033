package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/poiesic/alexandria/bus"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/pipeline"
)

// cancelledBatchTTL is how long a processor remembers a cancelled batch.
const cancelledBatchTTL = time.Hour

// DocumentProcessor runs document delegations through the pipeline and turns
// each outcome into messages for the delegation's reply address.
type DocumentProcessor struct {
	id       string
	bus      *bus.Bus
	pipeline *pipeline.Pipeline
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	running   map[string]*pipeline.Token // correlation ID -> token
	cancelled map[string]time.Time       // batch ID -> when the cancel arrived
}

// NewDocumentProcessor creates a document processor agent.
func NewDocumentProcessor(id string, b *bus.Bus, p *pipeline.Pipeline, logger *slog.Logger) *DocumentProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentProcessor{
		id:        id,
		bus:       b,
		pipeline:  p,
		now:       time.Now,
		logger:    logger.With("agent", id),
		running:   make(map[string]*pipeline.Token),
		cancelled: make(map[string]time.Time),
	}
}

func (p *DocumentProcessor) ID() string      { return p.id }
func (p *DocumentProcessor) Role() core.Role { return core.RoleDocumentProcessor }

func (p *DocumentProcessor) Handlers() map[core.Kind]bus.Handler {
	return map[core.Kind]bus.Handler{
		core.KindTaskDelegation: p.HandleTask,
		core.KindControl:        p.HandleControl,
	}
}

// HandleTask processes one document delegation.
func (p *DocumentProcessor) HandleTask(ctx context.Context, d *bus.Delivery) error {
	msg := d.Message
	task, ok := msg.Payload.(core.DocumentTask)
	if !ok {
		return fmt.Errorf("%w: %s cannot handle %T", core.ErrInvalidMessage, p.id, msg.Payload)
	}
	state := task.State
	token := p.track(state)
	defer p.untrack(state)

	observe := func(s core.PipelineState) {
		progress := core.Progress{
			BatchID:    s.BatchID,
			DocumentID: s.DocumentID,
			Stage:      s.Stage,
			Attempt:    s.AttemptCount + 1,
		}
		if err := reply(p.bus, p.id, msg, core.KindProgressUpdate, progress); err != nil {
			p.logger.Warn("publishing progress", "document", s.DocumentID, "error", err)
		}
	}

	out := p.pipeline.Run(ctx, state, token, observe)
	switch out.Result {
	case pipeline.Completed:
		return reply(p.bus, p.id, msg, core.KindCompletion, core.Completion{
			BatchID:    state.BatchID,
			DocumentID: state.DocumentID,
			Result:     &core.Result{Metadata: out.State.Metadata},
		})
	case pipeline.Retry:
		return p.redelegate(msg, out.State)
	case pipeline.Failed:
		return reply(p.bus, p.id, msg, core.KindError, core.ErrorReport{
			BatchID:    state.BatchID,
			DocumentID: state.DocumentID,
			Class:      out.Class,
			Message:    out.State.LastError,
			Terminal:   true,
		})
	case pipeline.Cancelled:
		return nil
	}
	return out.Err
}

// redelegate schedules the failed state for another attempt by any processor.
func (p *DocumentProcessor) redelegate(msg core.Message, state core.PipelineState) error {
	retry, err := core.NewMessage(core.KindTaskDelegation,
		core.DocumentTask{State: state},
		core.From(msg.Sender),
		core.To(core.ToRole(core.RoleDocumentProcessor)),
		core.WithPriority(msg.Priority),
		core.WithCorrelation(msg.CorrelationID),
		core.WithReplyTo(msg.ReplyAddress()))
	if err != nil {
		return err
	}
	delay := max(state.NextRetryAt.Sub(p.now()), 0)
	p.logger.Info("scheduling retry",
		"document", state.DocumentID,
		"attempt", state.AttemptCount+1,
		"delay", delay)
	return p.bus.PublishAfter(retry, delay)
}

// HandleControl applies a cancel instruction to running and future work.
func (p *DocumentProcessor) HandleControl(_ context.Context, d *bus.Delivery) error {
	ctrl, ok := d.Message.Payload.(core.Control)
	if !ok {
		return fmt.Errorf("%w: %s cannot handle %T", core.ErrInvalidMessage, p.id, d.Message.Payload)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if ctrl.DocumentID == 0 {
		p.cancelled[ctrl.BatchID] = now
	}
	for batch, at := range p.cancelled {
		if now.Sub(at) > cancelledBatchTTL {
			delete(p.cancelled, batch)
		}
	}

	stopped := 0
	for corr, token := range p.running {
		if matchesControl(corr, ctrl) {
			token.Cancel()
			stopped++
		}
	}
	p.logger.Info("cancel received", "batch", ctrl.BatchID, "document", ctrl.DocumentID, "stopped", stopped)
	return nil
}

func matchesControl(correlationID string, ctrl core.Control) bool {
	if ctrl.DocumentID != 0 {
		return correlationID == core.CorrelationFor(ctrl.BatchID, ctrl.DocumentID)
	}
	return strings.HasPrefix(correlationID, ctrl.BatchID+"/")
}

func (p *DocumentProcessor) track(state core.PipelineState) *pipeline.Token {
	token := pipeline.NewToken()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cancelled[state.BatchID]; ok {
		token.Cancel()
	}
	p.running[state.CorrelationID()] = token
	return token
}

func (p *DocumentProcessor) untrack(state core.PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, state.CorrelationID())
}

var (
	_ TaskAgent    = (*DocumentProcessor)(nil)
	_ ControlAgent = (*DocumentProcessor)(nil)
)
