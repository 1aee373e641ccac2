package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nomis52/goquest/acquire"
)

// ContextKeyLastAcquisition is where GatherAction stores its acquire.Result.
const ContextKeyLastAcquisition = "acquire.last_result"

// GatherAction returns an Action that acquires reqs through env.Acquirer. It succeeds
// when the acquisition succeeds and fails with the missing items otherwise, so the
// normal Action retry budget governs repeated acquisition attempts.
func GatherAction(id string, reqs ...acquire.Requirement) *Action {
	names := make([]string, 0, len(reqs))
	for _, r := range reqs {
		names = append(names, fmt.Sprintf("%s x%d", r.Name, r.Quantity))
	}
	return &Action{
		ID:   id,
		Desc: "gather " + strings.Join(names, ", "),
		Skip: func(ctx context.Context, env *Env) bool {
			if env.Acquirer == nil {
				return false
			}
			shortfall, err := env.Acquirer.Check(ctx, reqs)
			return err == nil && len(shortfall) == 0
		},
		Perform: func(ctx context.Context, env *Env) error {
			if env.Acquirer == nil {
				return fmt.Errorf("no acquirer configured")
			}
			res := env.Acquirer.Gather(ctx, reqs)
			env.Context.Set(ContextKeyLastAcquisition, res)
			if !res.Success {
				return fmt.Errorf("%w: missing %s (%s)", acquire.ErrResourceExhausted, formatCounts(res.Missing), res.LastAction)
			}
			return nil
		},
	}
}

func formatCounts(m map[string]int) string {
	parts := make([]string, 0, len(m))
	for name, qty := range m {
		parts = append(parts, fmt.Sprintf("%s x%d", name, qty))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
