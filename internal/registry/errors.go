package registry

import "errors"

// Sentinel errors surfaced to the control plane. Wrap with fmt.Errorf("%w: ...")
// to attach the offending name; callers compare with errors.Is.
var (
	ErrUnknownName        = errors.New("unknown name")
	ErrPipelineFrozen     = errors.New("pipeline frozen")
	ErrCyclicPipeline     = errors.New("cyclic pipeline")
	ErrAlreadyProvisioned = errors.New("already provisioned")
	ErrNotLinked          = errors.New("service not linked to a backend")
)
