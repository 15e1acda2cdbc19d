package scheduler

import (
	"encoding/json"
	"fmt"

	"flowmesh/internal/retry"
	"flowmesh/internal/transport"
	"flowmesh/internal/workflow"
)

// assembleInput builds a node's input from the outputs of its completed
// dependencies plus the execution's top-level input under the reserved
// "$input" key.
//
// Dependencies are iterated in lexicographic node-id order, so the merge is
// deterministic. Edges carrying handles map one output slot to one input
// slot; edges without handles pass the whole value keyed by the source node
// id. A second write to the same target slot is a DuplicateInputBinding
// error surfaced as the dependent node's failure.
//
// Dependencies that were condition-skipped contribute no bindings.
func assembleInput(
	wf *workflow.Workflow,
	nodeID string,
	deps []string,
	outputs map[string]json.RawMessage,
	executionInput json.RawMessage,
) (json.RawMessage, *transport.NodeError) {
	assembled := make(map[string]json.RawMessage, len(deps)+1)

	if len(executionInput) > 0 {
		assembled[workflow.InputKey] = executionInput
	}

	for _, dep := range deps {
		output, ok := outputs[dep]
		if !ok {
			continue
		}

		for _, edge := range wf.Edges {
			if edge.Source != dep || edge.Target != nodeID {
				continue
			}

			value := output
			if edge.SourceOutput != "" {
				slot, ok := extractOutputSlot(output, edge.SourceOutput)
				if !ok {
					return nil, &transport.NodeError{
						Kind:      retry.KindDuplicateInputBinding,
						Message:   fmt.Sprintf("edge %s->%s names missing output slot %q", dep, nodeID, edge.SourceOutput),
						Retryable: false,
					}
				}
				value = slot
			}

			key := dep
			if edge.TargetInput != "" {
				key = edge.TargetInput
			}

			if _, exists := assembled[key]; exists {
				return nil, &transport.NodeError{
					Kind:      retry.KindDuplicateInputBinding,
					Message:   fmt.Sprintf("input slot %q of node %s bound twice", key, nodeID),
					Retryable: false,
				}
			}
			assembled[key] = value
		}
	}

	data, err := json.Marshal(assembled)
	if err != nil {
		return nil, &transport.NodeError{
			Kind:      retry.KindRuntime,
			Message:   fmt.Sprintf("failed to encode input for node %s: %v", nodeID, err),
			Retryable: false,
		}
	}
	return data, nil
}

func extractOutputSlot(output json.RawMessage, slot string) (json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(output, &obj); err != nil {
		return nil, false
	}
	v, ok := obj[slot]
	return v, ok
}
