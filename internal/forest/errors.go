package forest

import "fmt"

// CycleError reports a structural mutation that would make a node its own
// ancestor. The store rejects the mutation and leaves all state unchanged.
type CycleError struct {
	NodeID    NodeID
	NewParent NodeID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("forest: reparenting %s under %s would create a cycle", e.NodeID, e.NewParent)
}

// ErrNodeNotFound reports an operation referencing an unknown node id.
type ErrNodeNotFound struct {
	NodeID NodeID
}

func (e *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("forest: node %s not found", e.NodeID)
}

// ErrViewNotFound reports an operation referencing an unknown view.
type ErrViewNotFound struct {
	ViewID string
}

func (e *ErrViewNotFound) Error() string {
	return fmt.Sprintf("forest: view %q not found", e.ViewID)
}
