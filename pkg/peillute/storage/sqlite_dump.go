package storage

import (
	"encoding/json"

	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

type sqliteDumpShape struct {
	Accounts     map[string]int64 `json:"accounts"`
	Transactions []types.Row      `json:"transactions"`
}

func marshalSQLiteDump(accounts map[string]int64, transactions []types.Row) ([]byte, error) {
	return json.Marshal(sqliteDumpShape{Accounts: accounts, Transactions: transactions})
}

func unmarshalSQLiteDump(data []byte) (map[string]int64, []types.Row, error) {
	var shape sqliteDumpShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, nil, err
	}
	return shape.Accounts, shape.Transactions, nil
}
