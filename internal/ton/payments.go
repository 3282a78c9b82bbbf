package ton

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
)

const txBatchSize = 50

type PaymentResult struct {
	Received bool
	TxHash   string
	Amount   int64
	From     string
	Comment  string
}

// CheckIncomingPayment walks the contract's transactions newest first and returns the
// first inbound transfer of at least minAmount made at or after since.
func (c *Client) CheckIncomingPayment(ctx context.Context, contract string, minAmount int64, since time.Time) (*PaymentResult, error) {
	addr, err := address.ParseAddr(contract)
	if err != nil {
		return nil, fmt.Errorf("invalid contract address %q: %w", contract, err)
	}

	block, err := c.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get master block: %w", err)
	}
	account, err := c.api.GetAccount(ctx, block, addr)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if account == nil || account.LastTxLT == 0 {
		return &PaymentResult{}, nil
	}

	lt, hash := account.LastTxLT, account.LastTxHash
	for {
		txs, err := c.api.ListTransactions(ctx, addr, txBatchSize, lt, hash)
		if errors.Is(err, ton.ErrNoTransactionsWereFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}

		// ListTransactions returns oldest-first.
		for i := len(txs) - 1; i >= 0; i-- {
			tx := txs[i]
			if time.Unix(int64(tx.Now), 0).Before(since) {
				return &PaymentResult{}, nil
			}
			if res := matchPayment(tx, minAmount); res != nil {
				return res, nil
			}
		}

		oldest := txs[0]
		if len(txs) < txBatchSize || oldest.PrevTxLT == 0 {
			break
		}
		lt, hash = oldest.PrevTxLT, oldest.PrevTxHash
	}
	return &PaymentResult{}, nil
}

func matchPayment(tx *tlb.Transaction, minAmount int64) *PaymentResult {
	if tx.IO.In == nil {
		return nil
	}
	inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || inMsg == nil || inMsg.Bounced {
		return nil
	}
	nano := inMsg.Amount.Nano()
	if nano.Sign() <= 0 || !nano.IsInt64() || nano.Int64() < minAmount {
		return nil
	}
	return &PaymentResult{
		Received: true,
		TxHash:   hex.EncodeToString(tx.Hash),
		Amount:   nano.Int64(),
		From:     inMsg.SrcAddr.String(),
		Comment:  extractComment(inMsg),
	}
}

// extractComment parses a text comment from an InternalMessage body.
// TON text comments have opcode 0x00000000 followed by UTF-8 text.
func extractComment(inMsg *tlb.InternalMessage) string {
	body := inMsg.Body
	if body == nil {
		return ""
	}

	slice := body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}

	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}

	remaining := slice.BitsLeft()
	if remaining < 8 {
		return ""
	}

	data, err := slice.LoadSlice(remaining)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}
