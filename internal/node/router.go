package node

import (
	"context"

	"github.com/netlab-go/vnet/internal/rip"
)

// RouterNode is a Backend for a node running routing_mode=rip (spec §1): in
// addition to the common interface/forwarding-table commands, it runs the
// RIP control plane's periodic and triggered update loops and route-expiry
// sweep (spec §4.3).
type RouterNode struct {
	base
	rip *rip.Controller
}

// Run drives every interface and the RIP controller's periodic/triggered
// update loops until ctx is canceled.
func (r *RouterNode) Run(ctx context.Context) {
	go r.rip.Run(ctx)
	r.runInterfaces(ctx)
}
