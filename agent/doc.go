// Package agent provides the agents that cooperate over the bus and the
// Runtime that attaches them.
//
// An Agent declares its role and a handler table keyed by message kind.
// Runtime.Attach registers the agent with those kinds as capabilities and
// subscribes each handler; Runtime.Run keeps heartbeats flowing to the
// registry.
//
// Agents:
//   - DocumentProcessor runs delegated documents through the pipeline and
//     reports progress, completion, terminal errors and retries.
//   - TaxonomyMaster indexes tags and classifications.
//   - KnowledgeGraph links documents to tag and classification nodes.
//
// NewEnrichHook connects the pipeline's enriching stage to the last two.
package agent
