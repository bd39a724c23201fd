package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// SQLiteLedger is a persisted LocalLedger backed by modernc.org/sqlite,
// the pure-Go SQLite driver pulled in from the retrieved corpus
// (getployz-ployz). It stores users and transactions in the
// peillute-<db-id>.db file spec section 6 names; it is the store the
// peillute command opens, with or without --cli.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens (creating if necessary) the ledger database at
// path.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLocalStoreUnusable, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLocalStoreUnusable, err)
	}
	schema := `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	balance INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	command_id TEXT PRIMARY KEY,
	kind INTEGER NOT NULL,
	from_user TEXT NOT NULL,
	to_user TEXT NOT NULL,
	amount INTEGER NOT NULL,
	refunded INTEGER NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLocalStoreUnusable, err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// Apply implements types.LocalLedger using a single transaction per
// command so a concurrent Read never observes a half-applied mutation.
func (s *SQLiteLedger) Apply(command types.Command) (types.CommandResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return types.CommandResult{}, err
	}
	defer tx.Rollback()

	result, err := s.applyInTx(tx, command)
	if err != nil {
		return types.CommandResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.CommandResult{}, err
	}
	return result, nil
}

func (s *SQLiteLedger) applyInTx(tx *sql.Tx, command types.Command) (types.CommandResult, error) {
	switch command.Kind {
	case types.CommandCreate:
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM accounts WHERE user_id = ?`, command.UserID).Scan(&exists); err != nil {
			return types.CommandResult{}, err
		}
		if exists > 0 {
			return types.CommandResult{}, types.ErrUserExists
		}
		if _, err := tx.Exec(`INSERT INTO accounts(user_id, balance) VALUES (?, 0)`, command.UserID); err != nil {
			return types.CommandResult{}, err
		}
		return types.CommandResult{CommandID: command.CommandID, Applied: true}, nil

	case types.CommandDeposit:
		balance, err := s.adjustBalance(tx, command.UserID, command.Amount)
		if err != nil {
			return types.CommandResult{}, err
		}
		s.recordTx(tx, command, command.UserID, "", command.Amount)
		return types.CommandResult{CommandID: command.CommandID, Applied: true, Balance: balance}, nil

	case types.CommandWithdraw, types.CommandPay:
		balance, err := s.withdraw(tx, command.UserID, command.Amount)
		if err != nil {
			return types.CommandResult{}, err
		}
		s.recordTx(tx, command, command.UserID, "", -command.Amount)
		return types.CommandResult{CommandID: command.CommandID, Applied: true, Balance: balance}, nil

	case types.CommandTransfer:
		if _, err := s.withdraw(tx, command.FromUser, command.Amount); err != nil {
			return types.CommandResult{}, err
		}
		balance, err := s.adjustBalance(tx, command.ToUser, command.Amount)
		if err != nil {
			return types.CommandResult{}, err
		}
		s.recordTx(tx, command, command.FromUser, command.ToUser, command.Amount)
		return types.CommandResult{CommandID: command.CommandID, Applied: true, Balance: balance}, nil

	case types.CommandRefund:
		var kind types.CommandKind
		var from, to string
		var amount int64
		var refunded bool
		row := tx.QueryRow(`SELECT kind, from_user, to_user, amount, refunded FROM transactions WHERE command_id = ?`, command.TxID)
		if err := row.Scan(&kind, &from, &to, &amount, &refunded); err != nil {
			if err == sql.ErrNoRows {
				return types.CommandResult{}, types.ErrUnknownTransaction
			}
			return types.CommandResult{}, err
		}
		if refunded {
			return types.CommandResult{}, types.ErrAlreadyRefunded
		}
		if kind == types.CommandTransfer {
			if _, err := s.adjustBalance(tx, from, amount); err != nil {
				return types.CommandResult{}, err
			}
			if _, err := s.adjustBalance(tx, to, -amount); err != nil {
				return types.CommandResult{}, err
			}
		} else {
			if _, err := s.adjustBalance(tx, from, -amount); err != nil {
				return types.CommandResult{}, err
			}
		}
		if _, err := tx.Exec(`UPDATE transactions SET refunded = 1 WHERE command_id = ?`, command.TxID); err != nil {
			return types.CommandResult{}, err
		}
		return types.CommandResult{CommandID: command.CommandID, Applied: true}, nil

	default:
		return types.CommandResult{}, types.ErrUnknownCommandShape
	}
}

func (s *SQLiteLedger) adjustBalance(tx *sql.Tx, userID string, delta int64) (int64, error) {
	var balance int64
	row := tx.QueryRow(`SELECT balance FROM accounts WHERE user_id = ?`, userID)
	if err := row.Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			return 0, types.ErrUnknownUser
		}
		return 0, err
	}
	balance += delta
	if _, err := tx.Exec(`UPDATE accounts SET balance = ? WHERE user_id = ?`, balance, userID); err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *SQLiteLedger) withdraw(tx *sql.Tx, userID string, amount int64) (int64, error) {
	var balance int64
	row := tx.QueryRow(`SELECT balance FROM accounts WHERE user_id = ?`, userID)
	if err := row.Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			return 0, types.ErrUnknownUser
		}
		return 0, err
	}
	if balance < amount {
		return 0, types.ErrInsufficientFunds
	}
	return s.adjustBalance(tx, userID, -amount)
}

func (s *SQLiteLedger) recordTx(tx *sql.Tx, command types.Command, from, to string, amount int64) {
	_, _ = tx.Exec(`INSERT INTO transactions(command_id, kind, from_user, to_user, amount, refunded) VALUES (?, ?, ?, ?, ?, 0)`,
		command.CommandID, command.Kind, from, to, amount)
}

// Read implements types.LocalLedger, supporting the same "balance" and
// "transactions" statements as MemoryLedger.
func (s *SQLiteLedger) Read(query types.Query) ([]types.Row, error) {
	switch query.Statement {
	case "balance":
		if len(query.Args) != 1 {
			return nil, types.ErrUnknownCommandShape
		}
		userID, _ := query.Args[0].(string)
		var balance int64
		row := s.db.QueryRow(`SELECT balance FROM accounts WHERE user_id = ?`, userID)
		if err := row.Scan(&balance); err != nil {
			if err == sql.ErrNoRows {
				return nil, types.ErrUnknownUser
			}
			return nil, err
		}
		return []types.Row{{"user_id": userID, "balance": balance}}, nil

	case "transactions":
		rows, err := s.db.Query(`SELECT command_id, from_user, to_user, amount, refunded FROM transactions`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []types.Row
		for rows.Next() {
			var commandID, from, to string
			var amount int64
			var refunded bool
			if err := rows.Scan(&commandID, &from, &to, &amount, &refunded); err != nil {
				return nil, err
			}
			out = append(out, types.Row{"command_id": commandID, "from": from, "to": to, "amount": amount, "refunded": refunded})
		}
		return out, rows.Err()

	default:
		return nil, types.ErrUnknownCommandShape
	}
}

// Dump implements types.LocalLedger by serializing every row of both
// tables into a small self-describing JSON blob, reused as the
// ledger_dump payload of a snapshot fragment.
func (s *SQLiteLedger) Dump() ([]byte, error) {
	rows, err := s.Read(types.Query{Statement: "transactions"})
	if err != nil {
		return nil, err
	}
	accounts, err := s.db.Query(`SELECT user_id, balance FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer accounts.Close()
	accountRows := make(map[string]int64)
	for accounts.Next() {
		var userID string
		var balance int64
		if err := accounts.Scan(&userID, &balance); err != nil {
			return nil, err
		}
		accountRows[userID] = balance
	}
	return marshalSQLiteDump(accountRows, rows)
}

// Load implements types.LocalLedger by replaying a Dump payload into a
// fresh set of tables.
func (s *SQLiteLedger) Load(data []byte) error {
	accounts, txRows, err := unmarshalSQLiteDump(data)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM accounts`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM transactions`); err != nil {
		return err
	}
	for userID, balance := range accounts {
		if _, err := tx.Exec(`INSERT INTO accounts(user_id, balance) VALUES (?, ?)`, userID, balance); err != nil {
			return err
		}
	}
	for _, row := range txRows {
		if _, err := tx.Exec(`INSERT INTO transactions(command_id, kind, from_user, to_user, amount, refunded) VALUES (?, 0, ?, ?, ?, ?)`,
			row["command_id"], row["from"], row["to"], row["amount"], row["refunded"]); err != nil {
			return err
		}
	}
	return tx.Commit()
}
