package main

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowledger/config"
	"escrowledger/native/guarantor"
	"escrowledger/native/ledger"
)

func TestSeedLedgerCreditsAndFundsRewardReserve(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger.Balances = map[string]string{
		"0x00000000000000000000000000000000000000a1": "5000",
		"0x00000000000000000000000000000000000000a2": "250",
	}
	cfg.Ledger.RewardReserveFunder = "0x00000000000000000000000000000000000000a1"
	cfg.Ledger.RewardReserveFunding = "1200"
	require.NoError(t, cfg.Validate())

	addrs, err := cfg.Escrow.Addresses()
	require.NoError(t, err)
	bank := ledger.NewBank()
	registry, err := guarantor.NewRegistry(cfg.Guarantor.Policy(), bank, addrs.StakeVault, addrs.RewardReserve)
	require.NoError(t, err)
	genesis, err := cfg.Ledger.Genesis()
	require.NoError(t, err)

	require.NoError(t, seedLedger(bank, registry, genesis))
	require.Equal(t, big.NewInt(3800), bank.Balance([20]byte{19: 0xa1}))
	require.Equal(t, big.NewInt(250), bank.Balance([20]byte{19: 0xa2}))
	require.Equal(t, big.NewInt(1200), bank.Balance(addrs.RewardReserve))
}

func TestSeedLedgerWithoutFunding(t *testing.T) {
	cfg := config.Default()
	addrs, err := cfg.Escrow.Addresses()
	require.NoError(t, err)
	bank := ledger.NewBank()
	registry, err := guarantor.NewRegistry(cfg.Guarantor.Policy(), bank, addrs.StakeVault, addrs.RewardReserve)
	require.NoError(t, err)
	genesis, err := cfg.Ledger.Genesis()
	require.NoError(t, err)

	require.NoError(t, seedLedger(bank, registry, genesis))
	require.Zero(t, bank.Balance(addrs.RewardReserve).Sign())
}
