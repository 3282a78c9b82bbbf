package ton

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"github.com/xssnick/tonutils-go/tvm/cell"
	"go.uber.org/zap"
)

// Escrow contract operations.
const (
	opRelease = 0x52454c53 // "RELS"
	opRefund  = 0x52464e44 // "RFND"
)

var (
	deployValue = tlb.MustFromTON("0.05")
	commandFee  = tlb.MustFromTON("0.05")
)

// EscrowParams is everything baked into an escrow contract's initial data.
// The same params always produce the same contract address.
type EscrowParams struct {
	DealID     uuid.UUID
	Advertiser string
	Owner      string
	Platform   string
	Amount     int64 // owner payout, nanoTON
	Fee        int64
	Total      int64
	Deadline   time.Time
}

// NormalizeAddress checks a user-supplied wallet address and returns it in
// the canonical user-friendly form.
func NormalizeAddress(s string) (string, error) {
	addr, err := address.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("invalid TON address: %w", err)
	}
	return addr.String(), nil
}

func escrowData(p EscrowParams) (*cell.Cell, error) {
	adv, err := address.ParseAddr(p.Advertiser)
	if err != nil {
		return nil, fmt.Errorf("advertiser address: %w", err)
	}
	owner, err := address.ParseAddr(p.Owner)
	if err != nil {
		return nil, fmt.Errorf("owner address: %w", err)
	}
	platform, err := address.ParseAddr(p.Platform)
	if err != nil {
		return nil, fmt.Errorf("platform address: %w", err)
	}
	if p.Amount < 0 || p.Fee < 0 {
		return nil, fmt.Errorf("negative escrow amount")
	}

	parties := cell.BeginCell().
		MustStoreAddr(adv).
		MustStoreAddr(owner).
		MustStoreAddr(platform).
		EndCell()

	return cell.BeginCell().
		MustStoreSlice(p.DealID[:], 128).
		MustStoreCoins(uint64(p.Amount)).
		MustStoreCoins(uint64(p.Fee)).
		MustStoreUInt(uint64(p.Deadline.Unix()), 32).
		MustStoreRef(parties).
		EndCell(), nil
}

// ComputeEscrowAddress derives the contract address from code + initial data
// without touching the network.
func (c *Client) ComputeEscrowAddress(p EscrowParams) (string, error) {
	return escrowAddress(c.code, p)
}

func escrowAddress(code *cell.Cell, p EscrowParams) (string, error) {
	data, err := escrowData(p)
	if err != nil {
		return "", err
	}
	stateInit, err := tlb.ToCell(&tlb.StateInit{Code: code, Data: data})
	if err != nil {
		return "", fmt.Errorf("build state init: %w", err)
	}
	return address.NewAddress(0, 0, stateInit.Hash()).String(), nil
}

// DeployEscrow deploys the contract from the platform wallet and waits for the transaction.
func (c *Client) DeployEscrow(ctx context.Context, p EscrowParams) (string, error) {
	data, err := escrowData(p)
	if err != nil {
		return "", err
	}
	addr, tx, _, err := c.wallet.DeployContractWaitTransaction(ctx, deployValue, cell.BeginCell().EndCell(), c.code, data)
	if err != nil {
		return "", fmt.Errorf("deploy escrow for deal %s: %w", p.DealID, err)
	}
	c.log.Info("escrow contract deployed",
		zap.String("deal_id", p.DealID.String()),
		zap.String("address", addr.String()),
		zap.String("tx_hash", hex.EncodeToString(tx.Hash)),
	)
	return addr.String(), nil
}

// SendRelease tells the contract to pay the owner and the platform fee.
func (c *Client) SendRelease(ctx context.Context, contract string) (string, error) {
	return c.sendCommand(ctx, contract, opRelease)
}

// SendRefund tells the contract to return the full amount to the advertiser.
func (c *Client) SendRefund(ctx context.Context, contract string) (string, error) {
	return c.sendCommand(ctx, contract, opRefund)
}

func (c *Client) sendCommand(ctx context.Context, contract string, op uint64) (string, error) {
	addr, err := address.ParseAddr(contract)
	if err != nil {
		return "", fmt.Errorf("invalid contract address %q: %w", contract, err)
	}
	body := cell.BeginCell().
		MustStoreUInt(op, 32).
		MustStoreUInt(uint64(time.Now().UnixNano()), 64).
		EndCell()

	tx, _, err := c.wallet.SendWaitTransaction(ctx, wallet.SimpleMessage(addr, commandFee, body))
	if err != nil {
		return "", fmt.Errorf("send op %#x to %s: %w", op, contract, err)
	}
	hash := hex.EncodeToString(tx.Hash)
	c.log.Info("escrow command sent", zap.String("contract", contract), zap.Uint64("op", op), zap.String("tx_hash", hash))
	return hash, nil
}
