package config

import (
	"github.com/tolelom/nftmarket/core"
	"github.com/tolelom/nftmarket/vm/modules/market"
)

// InstallGenesis seeds the initial state from the config: alloc account
// balances and the deployment's package identity. It commits and returns
// the resulting state root. Calling it on a non-empty state overwrites the
// alloc accounts, so it is meant for fresh data directories only.
func InstallGenesis(cfg *Config, state core.State) (string, error) {
	for pubkeyHex, balance := range cfg.Genesis.Alloc {
		acc := &core.Account{
			Address: pubkeyHex,
			Balance: balance,
			Nonce:   0,
		}
		if err := state.SetAccount(acc); err != nil {
			return "", err
		}
	}

	if err := market.Install(state, cfg.Genesis.PackageID); err != nil {
		return "", err
	}

	root := state.ComputeRoot()
	if err := state.Commit(); err != nil {
		return "", err
	}
	return root, nil
}
