package runtime

import (
	"context"
	"fmt"
)

// ServiceSet manages the bridge network and sidecar containers that back
// a task's `services` declarations, guaranteeing teardown on every exit
// path (spec §4.4, §5 shared-resource policy).
type ServiceSet struct {
	rt        Runtime
	networkID string
	started   []string
}

// StartServices creates a bridge network and starts each declared service
// within it, returning the network name to pass to the task's own Run.
func StartServices(ctx context.Context, rt Runtime, taskName string, specs []struct{ Image, Alias string }) (*ServiceSet, string, error) {
	netName := "sykli-net-" + taskName
	netID, err := rt.CreateNetwork(ctx, netName)
	if err != nil {
		return nil, "", fmt.Errorf("services: create network: %w", err)
	}
	ss := &ServiceSet{rt: rt, networkID: netID}
	for _, s := range specs {
		id, err := rt.StartService(ctx, s.Alias, s.Image, netName)
		if err != nil {
			ss.Teardown(context.Background())
			return nil, "", fmt.Errorf("services: start %s: %w", s.Alias, err)
		}
		ss.started = append(ss.started, id)
	}
	return ss, netName, nil
}

// Teardown stops every started service then removes the network. It is
// idempotent and swallows individual errors so cleanup never hangs the
// caller past its own budget.
func (ss *ServiceSet) Teardown(ctx context.Context) {
	if ss == nil {
		return
	}
	for _, id := range ss.started {
		_ = ss.rt.StopService(ctx, id)
	}
	if ss.networkID != "" {
		_ = ss.rt.RemoveNetwork(ctx, ss.networkID)
	}
}
