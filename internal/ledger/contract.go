package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"todochain/internal/domain"
)

// TaskContractABI is the RPC-callable interface of the deployed task contract.
const TaskContractABI = `[
  {"type":"function","name":"createTask","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"_title","type":"string"},{"name":"_description","type":"string"},
    {"name":"_priority","type":"uint8"},{"name":"_progress","type":"uint8"},
    {"name":"_aiAdvice","type":"string"},{"name":"_deadline","type":"string"}]},
  {"type":"function","name":"editTask","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"_id","type":"uint256"},{"name":"_title","type":"string"},{"name":"_description","type":"string"},
    {"name":"_priority","type":"uint8"},{"name":"_progress","type":"uint8"},
    {"name":"_aiAdvice","type":"string"},{"name":"_deadline","type":"string"}]},
  {"type":"function","name":"completeTask","stateMutability":"nonpayable","outputs":[],"inputs":[{"name":"_id","type":"uint256"}]},
  {"type":"function","name":"deleteTask","stateMutability":"nonpayable","outputs":[],"inputs":[{"name":"_id","type":"uint256"}]},
  {"type":"function","name":"getTask","stateMutability":"view","inputs":[{"name":"_id","type":"uint256"}],"outputs":[
    {"name":"","type":"tuple","internalType":"struct TaskContract.Task","components":[
      {"name":"id","type":"uint256"},{"name":"title","type":"string"},{"name":"description","type":"string"},
      {"name":"completed","type":"bool"},{"name":"priority","type":"uint8"},{"name":"progress","type":"uint8"},
      {"name":"owner","type":"address"},{"name":"aiAdvice","type":"string"},{"name":"deadline","type":"string"}]}]},
  {"type":"function","name":"getAllTasks","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"tuple[]","internalType":"struct TaskContract.Task[]","components":[
      {"name":"id","type":"uint256"},{"name":"title","type":"string"},{"name":"description","type":"string"},
      {"name":"completed","type":"bool"},{"name":"priority","type":"uint8"},{"name":"progress","type":"uint8"},
      {"name":"owner","type":"address"},{"name":"aiAdvice","type":"string"},{"name":"deadline","type":"string"}]}]},
  {"type":"function","name":"getTaskCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"TaskCreated","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true}]},
  {"type":"event","name":"TaskEdited","anonymous":false,"inputs":[{"name":"id","type":"uint256","indexed":true}]},
  {"type":"event","name":"TaskCompleted","anonymous":false,"inputs":[{"name":"id","type":"uint256","indexed":true}]},
  {"type":"event","name":"TaskDeleted","anonymous":false,"inputs":[{"name":"id","type":"uint256","indexed":true}]}
]`

// ParseABI returns the parsed task contract interface.
func ParseABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(TaskContractABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse task contract abi: %w", err)
	}
	return parsed, nil
}

// ContractTask mirrors the contract's Task struct field for field.
type ContractTask struct {
	Id          *big.Int       `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Completed   bool           `json:"completed"`
	Priority    uint8          `json:"priority"`
	Progress    uint8          `json:"progress"`
	Owner       common.Address `json:"owner"`
	AiAdvice    string         `json:"aiAdvice"`
	Deadline    string         `json:"deadline"`
}

// Task normalizes a raw contract record.
func (c ContractTask) Task() domain.Task {
	var id uint64
	if c.Id != nil {
		id = c.Id.Uint64()
	}
	return domain.Task{
		ID:          id,
		Title:       c.Title,
		Description: c.Description,
		Priority:    c.Priority,
		Progress:    c.Progress,
		Deadline:    c.Deadline,
		Completed:   c.Completed,
		AIAdvice:    c.AiAdvice,
		Owner:       c.Owner.Hex(),
	}
}

func (c ContractTask) exists() bool {
	return c.Id != nil && c.Id.Sign() > 0
}
