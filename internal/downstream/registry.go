package downstream

import (
	"github.com/pkg/errors"

	"github.com/lumenlearn/gradeq/internal/domain"
)

// Registry maps a job kind to its processor. Grading and extraction share
// the queue machinery but talk to different downstream endpoints.
type Registry struct {
	byKind map[domain.Kind]Processor
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[domain.Kind]Processor)}
}

func (r *Registry) Register(k domain.Kind, p Processor) { r.byKind[k] = p }

func (r *Registry) For(k domain.Kind) (Processor, error) {
	p, ok := r.byKind[k]
	if !ok {
		return nil, errors.Errorf("no processor registered for kind %q", k)
	}
	return p, nil
}
