package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Backend is the slice of an Ethereum JSON-RPC client the adapter needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type SubmitterOptions struct {
	// ChainID pins the signing chain; zero asks the node.
	ChainID      int64
	PollInterval time.Duration
	// ConfirmTimeout bounds the wait for a receipt once a transaction is
	// sent; zero waits until it is mined.
	ConfirmTimeout time.Duration
	Logger         *log.Logger
}

// Submitter signs and sends transactions from a single account. Nonce
// assignment and broadcast are serialized so concurrent writers never
// reuse a nonce; waiting for the receipt happens outside the lock.
type Submitter struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
	poll    time.Duration
	confirm time.Duration
	logger  *log.Logger

	mu         sync.Mutex
	nonce      uint64
	nonceKnown bool
}

func NewSubmitter(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, opts SubmitterOptions) (*Submitter, error) {
	if backend == nil {
		return nil, errors.New("ledger backend is required")
	}
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	var chainID *big.Int
	if opts.ChainID > 0 {
		chainID = big.NewInt(opts.ChainID)
	} else {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("query chain id: %w", err)
		}
		chainID = id
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Submitter{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
		poll:    poll,
		confirm: opts.ConfirmTimeout,
		logger:  logger,
	}, nil
}

// From is the sending account.
func (s *Submitter) From() common.Address { return s.from }

// Submit signs a call to `to` carrying data and broadcasts it.
func (s *Submitter) Submit(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.nonceKnown {
		n, err := s.backend.PendingNonceAt(ctx, s.from)
		if err != nil {
			return nil, fmt.Errorf("pending nonce: %w", err)
		}
		s.nonce = n
		s.nonceKnown = true
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / 5

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    s.nonce,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		// The node may have seen a nonce we did not; resync on next submit.
		s.nonceKnown = false
		return nil, fmt.Errorf("send tx: %w", err)
	}
	s.nonce++
	return signed, nil
}

// Confirm waits for the receipt of a sent transaction. The caller's
// cancellation is ignored; only ConfirmTimeout ends the wait early.
func (s *Submitter) Confirm(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx = context.WithoutCancel(ctx)
	if s.confirm > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.confirm)
		defer cancel()
	}
	return s.Wait(ctx, hash)
}

// Wait polls until the receipt for hash is available or ctx ends.
func (s *Submitter) Wait(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
