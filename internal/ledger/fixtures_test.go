package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAccounts(t *testing.T) {
	src := `
taxes: []
accounts:
  - {id: 121, code: "121000", name: Receivable, company: 1, type: receivable}
  - {id: 251, code: "251000", name: Tax Paid, company: 1}
`
	accounts, err := LoadAccounts(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, AccountReceivable, accounts[0].Type)
	assert.True(t, accounts[0].Settles())
	assert.Equal(t, AccountOther, accounts[1].Type)
	assert.Equal(t, int64(1), accounts[1].CompanyID)
}

func TestLoadAccountsRejectsBadInput(t *testing.T) {
	for _, src := range []string{
		"accounts:\n  - {code: x}\n",
		"accounts:\n  - {id: 1}\n  - {id: 1}\n",
		"accounts:\n  - {id: 1, type: bank}\n",
		"accounts: [",
	} {
		_, err := LoadAccounts(strings.NewReader(src))
		assert.Error(t, err, src)
	}
}

func TestLoadAccountsEmpty(t *testing.T) {
	accounts, err := LoadAccounts(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
