// Package ton talks to the TON network: per-deal escrow contracts are derived,
// deployed and settled from the platform wallet, and incoming payments are found
// by walking the contract's transaction list.
package ton

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"github.com/xssnick/tonutils-go/tvm/cell"
	"go.uber.org/zap"
)

type Config struct {
	Network        string
	LiteServerHost string
	LiteServerPort int
	LiteServerKey  string
	// WalletSeed is the space-separated mnemonic of the platform wallet.
	WalletSeed string
	// PlatformWallet receives the fee. Defaults to the seed wallet's address.
	PlatformWallet  string
	ContractCodeHex string
}

// Client is the ledger client used by the escrow orchestrator.
type Client struct {
	api      ton.APIClientWrapped
	wallet   *wallet.Wallet
	platform *address.Address
	code     *cell.Cell
	log      *zap.Logger
}

func NewClient(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	code, err := parseCode(cfg.ContractCodeHex)
	if err != nil {
		return nil, err
	}

	api, err := Connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	words := strings.Fields(cfg.WalletSeed)
	if len(words) == 0 {
		return nil, errors.New("TON_WALLET_SEED is required")
	}
	w, err := wallet.FromSeed(api, words, wallet.V4R2)
	if err != nil {
		return nil, fmt.Errorf("open platform wallet: %w", err)
	}

	platform := w.WalletAddress()
	if cfg.PlatformWallet != "" {
		platform, err = address.ParseAddr(cfg.PlatformWallet)
		if err != nil {
			return nil, fmt.Errorf("invalid TON_PLATFORM_WALLET %q: %w", cfg.PlatformWallet, err)
		}
	}

	log.Info("ledger client ready",
		zap.String("wallet", w.WalletAddress().String()),
		zap.String("platform", platform.String()),
		zap.String("network", cfg.Network),
	)
	return &Client{api: api, wallet: w, platform: platform, code: code, log: log}, nil
}

// PlatformAddress is the wallet that collects the platform fee.
func (c *Client) PlatformAddress() string {
	return c.platform.String()
}

// Connect establishes a connection to the TON network.
// If LiteServerHost + LiteServerKey are set, connects to a specific lite server.
// Otherwise, auto-discovers lite servers from the global config for the network.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (ton.APIClientWrapped, error) {
	client := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		configURL := globalConfigURL(cfg.Network)
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.Network))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := ton.ProofCheckPolicyFast
	if isMainnet(cfg.Network) {
		proofPolicy = ton.ProofCheckPolicySecure
	}

	return ton.NewAPIClient(client, proofPolicy).WithRetry(), nil
}

func isMainnet(network string) bool {
	return strings.ToLower(network) == "mainnet"
}

func globalConfigURL(network string) string {
	if isMainnet(network) {
		return "https://ton.org/global.config.json"
	}
	return "https://ton.org/testnet-global.config.json"
}

func parseCode(codeHex string) (*cell.Cell, error) {
	codeHex = strings.TrimSpace(codeHex)
	if codeHex == "" {
		return nil, errors.New("ESCROW_CONTRACT_CODE_HEX is required")
	}
	boc, err := hex.DecodeString(codeHex)
	if err != nil {
		return nil, fmt.Errorf("decode escrow contract code: %w", err)
	}
	code, err := cell.FromBOC(boc)
	if err != nil {
		return nil, fmt.Errorf("parse escrow contract code: %w", err)
	}
	return code, nil
}
