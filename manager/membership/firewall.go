package membership

import (
	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/manager/state/store"
)

// FirewallEvaluator produces the packet filter configuration pushed to a
// network's gateways. The control plane treats the result as opaque: it
// versions and forwards it, never interprets it. A nil config with a nil
// error means the network has no firewall state to push and no firewall
// event is produced.
type FirewallEvaluator interface {
	FirewallConfig(tx store.ReadTx, network *api.Network) (*api.FirewallConfig, error)
}

// NoopFirewall is the evaluator used when no ACL engine is wired in. It
// never produces a config, so gateways keep their default behavior.
type NoopFirewall struct{}

// FirewallConfig implements FirewallEvaluator.
func (NoopFirewall) FirewallConfig(tx store.ReadTx, network *api.Network) (*api.FirewallConfig, error) {
	return nil, nil
}
