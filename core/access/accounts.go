package access

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/capeworks/cape/core/csql"
)

// FunctionAccount is an account for a trusted function or service
type FunctionAccount struct {
	Identity string
	Roles    []string
}

// EnsureFunctionAccounts creates the specified function accounts if they do
// not exist yet. It requires a collection resource "account" with a
// searchable property "identity".
func EnsureFunctionAccounts(db *csql.DB, accounts ...FunctionAccount) error {
	insertQuery := fmt.Sprintf("INSERT INTO %s.account (identity,properties) VALUES($1,$2) ON CONFLICT DO NOTHING;", db.Schema)
	type roles struct {
		Roles []string `json:"roles"`
	}
	for _, account := range accounts {
		properties, _ := json.Marshal(roles{Roles: account.Roles})
		if _, err := db.Exec(insertQuery, account.Identity, properties); err != nil {
			return err
		}
	}
	return nil
}
