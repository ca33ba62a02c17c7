// Package ledgertest provides an in-memory task contract that speaks the
// ledger.Backend interface.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"todochain/internal/ledger"
)

// ContractAddress is where the fake contract lives.
var ContractAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

const ChainID = 31337

type Chain struct {
	mu       sync.Mutex
	abi      abi.ABI
	signer   types.Signer
	tasks    map[uint64]ledger.ContractTask
	nextID   uint64
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	polls    map[common.Hash]int
	block    uint64

	// SendErr makes SendTransaction fail.
	SendErr error
	// RevertAll makes every mined transaction revert.
	RevertAll bool
	// ReceiptDelay is how many receipt polls report NotFound first.
	ReceiptDelay int
	// Sent counts accepted transactions.
	Sent int
	// AfterSend runs once a transaction has been accepted.
	AfterSend func()
}

func NewChain() *Chain {
	parsed, err := ledger.ParseABI()
	if err != nil {
		panic(err)
	}
	return &Chain{
		abi:      parsed,
		signer:   types.LatestSignerForChainID(big.NewInt(ChainID)),
		tasks:    map[uint64]ledger.ContractTask{},
		nonces:   map[common.Address]uint64{},
		receipts: map[common.Hash]*types.Receipt{},
		polls:    map[common.Hash]int{},
	}
}

// NewAdapter returns an adapter signing with a fresh key against a new chain.
func NewAdapter(t testing.TB) (*ledger.Adapter, *Chain) {
	t.Helper()
	return NewAdapterWithOptions(t, ledger.SubmitterOptions{})
}

// NewAdapterWithOptions is NewAdapter with submitter options; a zero poll
// interval becomes one millisecond.
func NewAdapterWithOptions(t testing.TB, opts ledger.SubmitterOptions) (*ledger.Adapter, *Chain) {
	t.Helper()
	chain := NewChain()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	sub, err := ledger.NewSubmitter(context.Background(), chain, key, opts)
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}
	adapter, err := ledger.NewAdapter(chain, ContractAddress, sub, nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter, chain
}

// Seed stores a task directly, bypassing transactions.
func (c *Chain) Seed(task ledger.ContractTask) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	task.Id = new(big.Int).SetUint64(c.nextID)
	c.tasks[c.nextID] = task
	return c.nextID
}

func (c *Chain) Task(id uint64) (ledger.ContractTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	return t, ok
}

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(ChainID), nil
}

func (c *Chain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *Chain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 120_000, nil
}

func (c *Chain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if want := c.nonces[from]; tx.Nonce() != want {
		return fmt.Errorf("nonce mismatch: have %d want %d", tx.Nonce(), want)
	}
	if tx.To() == nil || *tx.To() != ContractAddress {
		return errors.New("unknown contract")
	}
	c.nonces[from]++
	c.block++
	c.Sent++

	receipt := &types.Receipt{
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.block),
		GasUsed:     21_000 + uint64(len(tx.Data()))*16,
		Status:      types.ReceiptStatusSuccessful,
	}
	var logs []*types.Log
	ok := !c.RevertAll
	if ok {
		logs, ok = c.execute(from, tx.Data())
	}
	if !ok {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		for _, l := range logs {
			l.TxHash = tx.Hash()
			l.BlockNumber = c.block
		}
		receipt.Logs = logs
	}
	c.receipts[tx.Hash()] = receipt
	if c.AfterSend != nil {
		c.AfterSend()
	}
	return nil
}

func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	if c.polls[hash] < c.ReceiptDelay {
		c.polls[hash]++
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Chain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call.To == nil || *call.To != ContractAddress {
		return nil, nil
	}
	method, args, err := c.decode(call.Data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "getTask":
		id := args[0].(*big.Int).Uint64()
		t, ok := c.tasks[id]
		if !ok {
			return nil, errors.New("execution reverted: Task does not exist")
		}
		return method.Outputs.Pack(t)
	case "getAllTasks":
		return method.Outputs.Pack(c.sorted())
	case "getTaskCount":
		return method.Outputs.Pack(new(big.Int).SetUint64(uint64(len(c.tasks))))
	}
	return nil, fmt.Errorf("execution reverted: %s is not a view", method.Name)
}

func (c *Chain) decode(data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("execution reverted: no selector")
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("execution reverted: %w", err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("execution reverted: %w", err)
	}
	return method, args, nil
}

// execute applies a state-changing call; false means the call reverted.
func (c *Chain) execute(from common.Address, data []byte) ([]*types.Log, bool) {
	method, args, err := c.decode(data)
	if err != nil {
		return nil, false
	}
	switch method.Name {
	case "createTask":
		c.nextID++
		id := c.nextID
		c.tasks[id] = ledger.ContractTask{
			Id:          new(big.Int).SetUint64(id),
			Title:       args[0].(string),
			Description: args[1].(string),
			Priority:    args[2].(uint8),
			Progress:    args[3].(uint8),
			Owner:       from,
			AiAdvice:    args[4].(string),
			Deadline:    args[5].(string),
		}
		ev := c.abi.Events["TaskCreated"]
		return []*types.Log{{
			Address: ContractAddress,
			Topics:  []common.Hash{ev.ID, common.BigToHash(new(big.Int).SetUint64(id)), common.BytesToHash(from.Bytes())},
		}}, true
	case "editTask":
		id := args[0].(*big.Int).Uint64()
		t, ok := c.tasks[id]
		if !ok {
			return nil, false
		}
		t.Title = args[1].(string)
		t.Description = args[2].(string)
		t.Priority = args[3].(uint8)
		t.Progress = args[4].(uint8)
		t.AiAdvice = args[5].(string)
		t.Deadline = args[6].(string)
		c.tasks[id] = t
		return c.idLog("TaskEdited", id), true
	case "completeTask":
		id := args[0].(*big.Int).Uint64()
		t, ok := c.tasks[id]
		if !ok {
			return nil, false
		}
		t.Completed = true
		c.tasks[id] = t
		return c.idLog("TaskCompleted", id), true
	case "deleteTask":
		id := args[0].(*big.Int).Uint64()
		if _, ok := c.tasks[id]; !ok {
			return nil, false
		}
		delete(c.tasks, id)
		return c.idLog("TaskDeleted", id), true
	}
	return nil, false
}

func (c *Chain) idLog(event string, id uint64) []*types.Log {
	return []*types.Log{{
		Address: ContractAddress,
		Topics:  []common.Hash{c.abi.Events[event].ID, common.BigToHash(new(big.Int).SetUint64(id))},
	}}
}

func (c *Chain) sorted() []ledger.ContractTask {
	ids := make([]uint64, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ledger.ContractTask, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.tasks[id])
	}
	return out
}
