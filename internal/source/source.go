package source

import (
	"context"
	"time"

	"github.com/subdiscovery/expstats/internal/api"
)

// AssignmentSource delivers experiment assignment rows for one experiment
// and inclusive date range. Delivery is a synchronous boundary call; the
// core imposes no suspension semantics of its own.
type AssignmentSource interface {
	Assignments(ctx context.Context, experimentID string, from, to time.Time) ([]api.Assignment, error)
}

// FactSource delivers fact event rows for an inclusive date range.
type FactSource interface {
	Facts(ctx context.Context, from, to time.Time) ([]api.FactEvent, error)
}
