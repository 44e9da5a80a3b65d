package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/taskmesh/backend/internal/models"
)

// Forwarder delivers relay messages to EVM compatible domains by embedding
// the payload as calldata in a signed transaction to the domain's inbox
// address. One client connection is kept per RPC endpoint.
type Forwarder struct {
	key   *ecdsa.PrivateKey
	from  common.Address
	inbox common.Address

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

// NewForwarder parses the operator's hex-encoded private key. The inbox is
// the receiving contract shared by all target domains.
func NewForwarder(operatorKeyHex, inboxAddress string) (*Forwarder, error) {
	key, err := crypto.HexToECDSA(operatorKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	return &Forwarder{
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		inbox:   common.HexToAddress(inboxAddress),
		clients: make(map[string]*ethclient.Client),
	}, nil
}

func (f *Forwarder) client(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[rpcURL]; ok {
		return c, nil
	}
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	f.clients[rpcURL] = c
	return c, nil
}

// Forward submits the message payload to the domain's RPC endpoint and
// returns the transaction hash as the delivery receipt.
func (f *Forwarder) Forward(ctx context.Context, domain models.Domain, msg models.Message) (string, error) {
	client, err := f.client(ctx, domain.RPCURL)
	if err != nil {
		return "", err
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("chain id for %s: %w", domain.Name, err)
	}
	nonce, err := client.PendingNonceAt(ctx, f.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	// Calldata transport only; execution gas scales with payload size.
	gasLimit := uint64(21000 + 68*len(msg.Payload))
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &f.inbox,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     msg.Payload,
	})

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), f.key)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send to %s: %w", domain.Name, err)
	}
	return signed.Hash().Hex(), nil
}

// Close releases every held RPC connection.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.Close()
	}
	f.clients = make(map[string]*ethclient.Client)
}
