package config

import (
	"github.com/tolelom/tolbft/dapp"
	"github.com/tolelom/tolbft/types"
)

// BuildGenesis constructs the deterministic height-0 block for cfg: one
// validator entry per cfg.Validators (equal voting power, since the
// config file carries no per-validator weight), and an initial app
// state seeded from cfg.Genesis.Alloc through a TokenDapp so the
// genesis AppStateHash matches what a fresh node will compute once it
// replays (trivially, zero transactions) up to height 0.
func BuildGenesis(cfg *Config) (*types.Block, *dapp.TokenDapp, error) {
	validators := make(types.ValidatorSet, len(cfg.Validators))
	for i, pubkeyHex := range cfg.Validators {
		validators[i] = types.Validator{Address: pubkeyHex, VotingPower: 1}
	}

	d := dapp.NewTokenDapp(cfg.Genesis.Alloc)

	gcfg := types.GenesisConfig{
		ChainID:             cfg.Genesis.ChainID,
		Timestamp:           cfg.Genesis.Timestamp,
		InitialValidatorSet: validators,
		InitialAppStateHash: d.GetAppStateHash(),
	}
	genesis, err := gcfg.NewGenesisBlock()
	if err != nil {
		return nil, nil, err
	}
	return genesis, d, nil
}
