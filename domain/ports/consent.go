package ports

import (
	"context"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
)

// ConsentProvider answers yes/no questions about sensitive permissions and
// prompt-rule accesses. Implementations may block until the user answers;
// they must honor ctx cancellation.
type ConsentProvider interface {
	RequestConsent(ctx context.Context, req entities.ConsentRequest) (bool, error)
}

// ConsentFunc adapts a function to ConsentProvider.
type ConsentFunc func(ctx context.Context, req entities.ConsentRequest) (bool, error)

// RequestConsent implements ConsentProvider.
func (f ConsentFunc) RequestConsent(ctx context.Context, req entities.ConsentRequest) (bool, error) {
	return f(ctx, req)
}
