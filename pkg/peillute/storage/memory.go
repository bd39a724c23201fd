// Package storage provides default LocalLedger implementations. These
// sit outside the core per spec section 1 ("the local embedded
// relational store ... is explicitly not part of this specification")
// but the core's LocalLedger interface needs a concrete, exercised
// implementation for tests and the --cli standalone mode.
package storage

import (
	"encoding/json"
	"sync"

	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

type account struct {
	Balance int64
}

type transaction struct {
	CommandID string
	Kind      types.CommandKind
	From      string
	To        string
	Amount    int64
	Refunded  bool
}

// MemoryLedger is an in-memory LocalLedger, grounded on the teacher's
// definition.NewDefaultStorage in-memory default: a map-backed store with
// no persistence, suitable for tests and for running a single ephemeral
// node.
type MemoryLedger struct {
	mu           sync.Mutex
	accounts     map[string]*account
	transactions map[string]*transaction
	order        []string
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts:     make(map[string]*account),
		transactions: make(map[string]*transaction),
	}
}

// Apply implements types.LocalLedger.
func (m *MemoryLedger) Apply(command types.Command) (types.CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch command.Kind {
	case types.CommandCreate:
		if _, exists := m.accounts[command.UserID]; exists {
			return types.CommandResult{}, types.ErrUserExists
		}
		m.accounts[command.UserID] = &account{}
		return types.CommandResult{CommandID: command.CommandID, Applied: true}, nil

	case types.CommandDeposit:
		acct, err := m.mustAccount(command.UserID)
		if err != nil {
			return types.CommandResult{}, err
		}
		acct.Balance += command.Amount
		m.recordTx(command, command.UserID, "", command.Amount)
		return types.CommandResult{CommandID: command.CommandID, Applied: true, Balance: acct.Balance}, nil

	case types.CommandWithdraw:
		acct, err := m.mustAccount(command.UserID)
		if err != nil {
			return types.CommandResult{}, err
		}
		if acct.Balance < command.Amount {
			return types.CommandResult{}, types.ErrInsufficientFunds
		}
		acct.Balance -= command.Amount
		m.recordTx(command, command.UserID, "", -command.Amount)
		return types.CommandResult{CommandID: command.CommandID, Applied: true, Balance: acct.Balance}, nil

	case types.CommandPay:
		acct, err := m.mustAccount(command.UserID)
		if err != nil {
			return types.CommandResult{}, err
		}
		if acct.Balance < command.Amount {
			return types.CommandResult{}, types.ErrInsufficientFunds
		}
		acct.Balance -= command.Amount
		m.recordTx(command, command.UserID, "", -command.Amount)
		return types.CommandResult{CommandID: command.CommandID, Applied: true, Balance: acct.Balance}, nil

	case types.CommandTransfer:
		from, err := m.mustAccount(command.FromUser)
		if err != nil {
			return types.CommandResult{}, err
		}
		to, err := m.mustAccount(command.ToUser)
		if err != nil {
			return types.CommandResult{}, err
		}
		if from.Balance < command.Amount {
			return types.CommandResult{}, types.ErrInsufficientFunds
		}
		from.Balance -= command.Amount
		to.Balance += command.Amount
		m.recordTx(command, command.FromUser, command.ToUser, command.Amount)
		return types.CommandResult{CommandID: command.CommandID, Applied: true, Balance: from.Balance}, nil

	case types.CommandRefund:
		tx, ok := m.transactions[command.TxID]
		if !ok {
			return types.CommandResult{}, types.ErrUnknownTransaction
		}
		if tx.Refunded {
			return types.CommandResult{}, types.ErrAlreadyRefunded
		}
		if err := m.reverse(tx); err != nil {
			return types.CommandResult{}, err
		}
		tx.Refunded = true
		return types.CommandResult{CommandID: command.CommandID, Applied: true}, nil

	default:
		return types.CommandResult{}, types.ErrUnknownCommandShape
	}
}

func (m *MemoryLedger) reverse(tx *transaction) error {
	switch tx.Kind {
	case types.CommandDeposit:
		acct := m.accounts[tx.From]
		acct.Balance -= tx.Amount
	case types.CommandWithdraw, types.CommandPay:
		acct := m.accounts[tx.From]
		acct.Balance += -tx.Amount // Amount was recorded negative
	case types.CommandTransfer:
		from := m.accounts[tx.From]
		to := m.accounts[tx.To]
		from.Balance += tx.Amount
		to.Balance -= tx.Amount
	}
	return nil
}

func (m *MemoryLedger) recordTx(command types.Command, from, to string, amount int64) {
	tx := &transaction{CommandID: command.CommandID, Kind: command.Kind, From: from, To: to, Amount: amount}
	m.transactions[command.CommandID] = tx
	m.order = append(m.order, command.CommandID)
}

func (m *MemoryLedger) mustAccount(userID string) (*account, error) {
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, types.ErrUnknownUser
	}
	return acct, nil
}

// Read implements types.LocalLedger. Query.Statement is interpreted as
// "balance" (Args[0] = user id) or "transactions" (no args).
func (m *MemoryLedger) Read(query types.Query) ([]types.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch query.Statement {
	case "balance":
		if len(query.Args) != 1 {
			return nil, types.ErrUnknownCommandShape
		}
		userID, _ := query.Args[0].(string)
		acct, err := m.mustAccount(userID)
		if err != nil {
			return nil, err
		}
		return []types.Row{{"user_id": userID, "balance": acct.Balance}}, nil
	case "transactions":
		rows := make([]types.Row, 0, len(m.order))
		for _, id := range m.order {
			tx := m.transactions[id]
			rows = append(rows, types.Row{
				"command_id": tx.CommandID,
				"from":       tx.From,
				"to":         tx.To,
				"amount":     tx.Amount,
				"refunded":   tx.Refunded,
			})
		}
		return rows, nil
	default:
		return nil, types.ErrUnknownCommandShape
	}
}

type dumpShape struct {
	Accounts     map[string]*account     `json:"accounts"`
	Transactions map[string]*transaction `json:"transactions"`
	Order        []string                `json:"order"`
}

// Dump implements types.LocalLedger.
func (m *MemoryLedger) Dump() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(dumpShape{Accounts: m.accounts, Transactions: m.transactions, Order: m.order})
}

// Load implements types.LocalLedger.
func (m *MemoryLedger) Load(data []byte) error {
	var shape dumpShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if shape.Accounts == nil {
		shape.Accounts = make(map[string]*account)
	}
	if shape.Transactions == nil {
		shape.Transactions = make(map[string]*transaction)
	}
	m.accounts = shape.Accounts
	m.transactions = shape.Transactions
	m.order = shape.Order
	return nil
}
