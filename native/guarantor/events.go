package guarantor

import (
	"encoding/hex"
	"strconv"

	"escrowledger/core/types"
)

const (
	EventTypeRegistered = "guarantor.registered"
	EventTypeCommitted  = "guarantor.committed"
	EventTypeRevealed   = "guarantor.revealed"
	EventTypeCollusion  = "guarantor.collusion"
	EventTypeSlashed    = "guarantor.slashed"
	EventTypeRewarded   = "guarantor.rewarded"
	EventTypeBanned     = "guarantor.banned"
)

func newProfileEvent(eventType string, p *Profile) *types.Event {
	evt := types.NewEvent(eventType)
	if p == nil {
		return evt
	}
	evt.Set("guarantor", hexAddr(p.Address))
	evt.Set("reputation", strconv.FormatUint(p.ReputationScore, 10))
	if p.IsBanned {
		evt.Set("bannedUntil", strconv.FormatInt(p.BannedUntil, 10))
		evt.Set("reason", p.BanReason)
	}
	return evt
}

func newCommitmentEvent(eventType string, c *Commitment) *types.Event {
	evt := types.NewEvent(eventType)
	if c == nil {
		return evt
	}
	evt.Set("escrowId", strconv.FormatUint(c.EscrowID, 10))
	evt.Set("guarantor", hexAddr(c.Guarantor))
	evt.Set("tier", c.Tier.String())
	evt.Set("stake", cloneBigInt(c.StakeAmount).String())
	evt.Set("commitment", hex.EncodeToString(c.CommitmentHash[:]))
	return evt
}

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}
