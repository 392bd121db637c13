package agent

import (
	"strings"
	"sync/atomic"

	"github.com/mappaturasmd/mappatura/internal/backend"
)

// Identity holds the operator announced by the host. The backend client
// reads it on every call.
type Identity struct {
	current atomic.Pointer[backend.Operator]
}

func NewIdentity(initial backend.Operator) *Identity {
	id := &Identity{}
	id.Set(initial)
	return id
}

func (i *Identity) Set(op backend.Operator) {
	op.Name = strings.TrimSpace(op.Name)
	op.UUID = strings.TrimSpace(op.UUID)
	i.current.Store(&op)
}

func (i *Identity) Get() backend.Operator {
	if op := i.current.Load(); op != nil {
		return *op
	}
	return backend.Operator{}
}
