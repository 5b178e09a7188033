package agent

import (
	"context"
	"errors"

	"github.com/poiesic/alexandria/ai"
	"github.com/poiesic/alexandria/bus"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/pipeline"
	"github.com/poiesic/alexandria/registry"
)

// EnrichSender is the sender of taxonomy and graph delegations.
const EnrichSender = "pipeline"

// NewEnrichHook returns a pipeline hook that delegates each enriched document
// to the taxonomy master and the knowledge graph. Delegations are only sent
// to roles with at least one registered agent, and nothing waits for them.
func NewEnrichHook(b *bus.Bus, reg *registry.Registry) pipeline.EnrichFunc {
	return func(_ context.Context, state core.PipelineState, analysis *ai.Analysis) error {
		var errs []error
		if len(reg.Agents(core.RoleTaxonomyMaster)) > 0 {
			errs = append(errs, publishTask(b, core.RoleTaxonomyMaster, core.TaxonomyTask{
				BatchID:        state.BatchID,
				DocumentID:     state.DocumentID,
				Classification: analysis.Classification,
				Tags:           analysis.Tags,
			}))
		}
		if len(reg.Agents(core.RoleKnowledgeGraph)) > 0 {
			errs = append(errs, publishTask(b, core.RoleKnowledgeGraph, core.GraphTask{
				BatchID:        state.BatchID,
				DocumentID:     state.DocumentID,
				Title:          state.Metadata[pipeline.MetaTitle],
				Classification: analysis.Classification,
				Tags:           analysis.Tags,
			}))
		}
		return errors.Join(errs...)
	}
}

func publishTask(b *bus.Bus, role core.Role, payload core.Payload) error {
	msg, err := core.NewMessage(core.KindTaskDelegation, payload,
		core.From(EnrichSender),
		core.To(core.ToRole(role)),
		core.WithPriority(core.PriorityLow))
	if err != nil {
		return err
	}
	return b.Publish(msg)
}
