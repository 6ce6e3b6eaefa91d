package payout

import (
	"context"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/rpc"
	"github.com/monero-pool/block-manager/internal/util"
)

const defaultAuxTimeout = 30 * time.Second

// buildAuxDaemons creates one daemon client per configured merge-mined
// chain, keyed by chain id.
func buildAuxDaemons(chains []config.AuxChain) map[string]rpc.HeaderSource {
	daemons := make(map[string]rpc.HeaderSource, len(chains))
	for _, aux := range chains {
		timeout := aux.Timeout
		if timeout <= 0 {
			timeout = defaultAuxTimeout
		}
		daemons[aux.ID] = rpc.NewDaemonClient(aux.DaemonURL, timeout)
	}
	return daemons
}

// auxPass runs the unlock state machine for every merge-mined chain. Each
// chain has its own daemon, pending-block list and pre-calculation markers;
// a failing chain is logged and retried next tick, same as the main chain.
func (u *Unlocker) auxPass(ctx context.Context, txn *newrelic.Transaction) {
	for _, aux := range u.cfg.Aux {
		daemon, ok := u.auxDaemons[aux.ID]
		if !ok {
			continue
		}
		seg := txn.StartSegment("aux_" + aux.ID)
		if err := u.unlockChain(ctx, aux.ID, daemon); err != nil {
			util.Errorf("Unlock pass failed for chain %s: %v", aux.ID, err)
			txn.NoticeError(err)
		}
		seg.End()
	}
}
