package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"todochain/internal/domain"
)

// Adapter maps task operations onto contract calls and transactions.
type Adapter struct {
	backend   Backend
	submitter *Submitter
	contract  common.Address
	abi       abi.ABI
	logger    *log.Logger
}

// NewAdapter binds the task contract at address. A nil submitter yields a
// read-only adapter whose writes fail with ErrReadOnly.
func NewAdapter(backend Backend, address common.Address, submitter *Submitter, logger *log.Logger) (*Adapter, error) {
	if backend == nil {
		return nil, errors.New("ledger backend is required")
	}
	parsed, err := ParseABI()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{backend: backend, submitter: submitter, contract: address, abi: parsed, logger: logger}, nil
}

func (a *Adapter) Contract() common.Address { return a.contract }

func (a *Adapter) CreateTask(ctx context.Context, fields domain.TaskFields, advice string) (domain.Receipt, error) {
	receipt, logs, err := a.transact(ctx, "createTask",
		fields.Title, fields.Description, fields.Priority, fields.Progress, advice, fields.Deadline)
	if err != nil {
		return receipt, err
	}
	if id, ok := a.createdID(logs); ok {
		receipt.TaskID = &id
	}
	return receipt, nil
}

func (a *Adapter) EditTask(ctx context.Context, id uint64, fields domain.TaskFields, advice string) (domain.Receipt, error) {
	receipt, _, err := a.transact(ctx, "editTask", new(big.Int).SetUint64(id),
		fields.Title, fields.Description, fields.Priority, fields.Progress, advice, fields.Deadline)
	return withID(receipt, id), err
}

func (a *Adapter) CompleteTask(ctx context.Context, id uint64) (domain.Receipt, error) {
	receipt, _, err := a.transact(ctx, "completeTask", new(big.Int).SetUint64(id))
	return withID(receipt, id), err
}

func (a *Adapter) DeleteTask(ctx context.Context, id uint64) (domain.Receipt, error) {
	receipt, _, err := a.transact(ctx, "deleteTask", new(big.Int).SetUint64(id))
	return withID(receipt, id), err
}

// GetTask reads one task. Missing and deleted ids map to ErrTaskNotFound.
func (a *Adapter) GetTask(ctx context.Context, id uint64) (domain.Task, error) {
	out, err := a.call(ctx, "getTask", new(big.Int).SetUint64(id))
	if err != nil {
		if isRevert(err) {
			return domain.Task{}, ErrTaskNotFound
		}
		return domain.Task{}, err
	}
	if len(out) != 1 {
		return domain.Task{}, fmt.Errorf("ledger getTask: unexpected %d outputs", len(out))
	}
	raw, err := convert[ContractTask](out[0])
	if err != nil {
		return domain.Task{}, fmt.Errorf("ledger getTask: %w", err)
	}
	if !raw.exists() {
		return domain.Task{}, ErrTaskNotFound
	}
	return raw.Task(), nil
}

// GetAllTasks returns every live task in contract order.
func (a *Adapter) GetAllTasks(ctx context.Context) ([]domain.Task, error) {
	out, err := a.call(ctx, "getAllTasks")
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("ledger getAllTasks: unexpected %d outputs", len(out))
	}
	raws, err := convert[[]ContractTask](out[0])
	if err != nil {
		return nil, fmt.Errorf("ledger getAllTasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(raws))
	for _, raw := range raws {
		if !raw.exists() {
			continue
		}
		tasks = append(tasks, raw.Task())
	}
	return tasks, nil
}

func (a *Adapter) GetTaskCount(ctx context.Context) (uint64, error) {
	out, err := a.call(ctx, "getTaskCount")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("ledger getTaskCount: unexpected %d outputs", len(out))
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("ledger getTaskCount: unexpected output %T", out[0])
	}
	return n.Uint64(), nil
}

func (a *Adapter) transact(ctx context.Context, method string, args ...interface{}) (domain.Receipt, []*types.Log, error) {
	fail := func(status Status, hash string, err error) (domain.Receipt, []*types.Log, error) {
		a.logger.Printf("ledger %s %s: %v", method, status, err)
		return domain.Receipt{TxHash: hash, Status: status.String()}, nil, &Error{Op: method, Status: status, TxHash: hash, Err: err}
	}
	if a.submitter == nil {
		return fail(SubmitFailed, "", ErrReadOnly)
	}
	data, err := a.abi.Pack(method, args...)
	if err != nil {
		return fail(SubmitFailed, "", fmt.Errorf("pack: %w", err))
	}
	tx, err := a.submitter.Submit(ctx, a.contract, data)
	if err != nil {
		return fail(SubmitFailed, "", err)
	}
	hash := tx.Hash().Hex()
	receipt, err := a.submitter.Confirm(ctx, tx.Hash())
	if err != nil {
		return fail(Pending, hash, err)
	}
	out := domain.Receipt{TxHash: hash, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		out.Status = Reverted.String()
		a.logger.Printf("ledger %s reverted in block %d (tx %s)", method, out.BlockNumber, hash)
		return out, nil, &Error{Op: method, Status: Reverted, TxHash: hash, Err: errors.New("execution reverted")}
	}
	out.Status = Confirmed.String()
	return out, receipt.Logs, nil
}

func (a *Adapter) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: pack: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &a.contract, Data: data}
	if a.submitter != nil {
		msg.From = a.submitter.From()
	}
	res, err := a.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w: %w", method, ErrCallFailed, err)
	}
	out, err := a.abi.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w: unpack: %w", method, ErrCallFailed, err)
	}
	return out, nil
}

func (a *Adapter) createdID(logs []*types.Log) (uint64, bool) {
	event, ok := a.abi.Events["TaskCreated"]
	if !ok {
		return 0, false
	}
	for _, l := range logs {
		if l == nil || l.Address != a.contract || len(l.Topics) < 2 || l.Topics[0] != event.ID {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(), true
	}
	return 0, false
}

func withID(r domain.Receipt, id uint64) domain.Receipt {
	r.TaskID = &id
	return r
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}

// convert copies an ABI-decoded anonymous struct into T.
func convert[T any](in interface{}) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode %T: %v", in, r)
		}
	}()
	return *abi.ConvertType(in, new(T)).(*T), nil
}
