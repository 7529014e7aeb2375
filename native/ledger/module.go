package ledger

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const moduleSeedPrefix = "module/"

// Module account names used by the escrow daemon.
const (
	EscrowVaultModule      = "escrow.vault"
	GuarantorStakeModule   = "guarantor.stake"
	GuarantorRewardModule  = "guarantor.reward"
	InsuranceReserveModule = "insurance.reserve"
)

// ModuleAddress derives the deterministic account address of a module from
// the low 20 bytes of keccak256("module/" + name).
func ModuleAddress(name string) [20]byte {
	hash := ethcrypto.Keccak256([]byte(moduleSeedPrefix + name))
	var addr [20]byte
	copy(addr[:], hash[len(hash)-20:])
	return addr
}
