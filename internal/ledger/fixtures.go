package ledger

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// LoadAccounts decodes the accounts section of a YAML fixture.
func LoadAccounts(r io.Reader) ([]Account, error) {
	var file struct {
		Accounts []Account `yaml:"accounts"`
	}
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	seen := make(map[int64]bool, len(file.Accounts))
	for i, a := range file.Accounts {
		if a.ID <= 0 {
			return nil, fmt.Errorf("decode accounts: account %q has no id", a.Code)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("decode accounts: duplicate account %d", a.ID)
		}
		seen[a.ID] = true
		switch a.Type {
		case "":
			file.Accounts[i].Type = AccountOther
		case AccountReceivable, AccountPayable, AccountOther:
		default:
			return nil, fmt.Errorf("decode accounts: account %d has unknown type %q", a.ID, a.Type)
		}
	}
	return file.Accounts, nil
}
