package monarch

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// TransactionsQuery filters GetTransactions. Dates are YYYY-MM-DD and
// already validated by the caller; zero values mean unfiltered.
type TransactionsQuery struct {
	StartDate string
	EndDate   string
	Limit     int
	AccountID string
}

// HistoryQuery selects the account and window for GetAccountHistory.
type HistoryQuery struct {
	AccountID string
	StartDate string
	EndDate   string
}

const (
	transactionsDefaultLimit = 100
	transactionsMaxLimit     = 1000
	transactionsShown        = 20
)

const queryGetAccounts = `query GetAccounts {
  accounts {
    id
    displayName
    currentBalance
    type { name display }
    institution { id name }
  }
}`

const queryGetTransactions = `query GetTransactionsList($offset: Int, $limit: Int, $filters: TransactionFilterInput) {
  allTransactions(filters: $filters) {
    totalCount
    results(offset: $offset, limit: $limit) {
      id
      date
      amount
      merchant { name }
      category { name }
      account { id displayName }
    }
  }
}`

const queryGetBudgets = `query GetBudgets($startDate: Date!, $endDate: Date!) {
  budgetData(startMonth: $startDate, endMonth: $endDate) {
    monthlyAmountsByCategory {
      category { id name group { name } }
      monthlyAmounts { month plannedCashFlowAmount actualAmount remainingAmount }
    }
  }
}`

const queryGetSpendingPlan = `query GetSpendingPlan($startDate: Date!, $endDate: Date!) {
  budgetData(startMonth: $startDate, endMonth: $endDate) {
    totalsByMonth {
      month
      totalIncome { plannedAmount actualAmount }
      totalExpenses { plannedAmount actualAmount }
    }
  }
}`

const queryAccountHistory = `query AccountBalanceHistory($accountId: UUID!, $startDate: Date, $endDate: Date) {
  accountBalanceHistory(accountId: $accountId, startDate: $startDate, endDate: $endDate) {
    date
    balance
  }
}`

// GetAccounts returns a text summary of every account with balance,
// type, and institution.
func (c *Client) GetAccounts(ctx context.Context, creds Credentials) (string, error) {
	data, err := c.gql(ctx, creds, "GetAccounts", queryGetAccounts, nil)
	if err != nil {
		return "", err
	}

	accounts := data.Get("accounts").Array()
	if len(accounts) == 0 {
		return "No accounts found.", nil
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Found %d accounts:\n\n", len(accounts))

	for _, acc := range accounts {
		fmt.Fprintf(&b, "%s\n", stringOr(acc.Get("displayName"), "Unknown Account"))
		fmt.Fprintf(&b, "  Balance: $%.2f\n", acc.Get("currentBalance").Float())
		fmt.Fprintf(&b, "  Type: %s\n", stringOr(acc.Get("type.display"), "Unknown"))
		fmt.Fprintf(&b, "  Institution: %s\n", stringOr(acc.Get("institution.name"), "Unknown"))
		fmt.Fprintf(&b, "  ID: %s\n\n", acc.Get("id").String())
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

// GetTransactions returns a text summary of transactions matching the
// query, showing at most the first twenty.
func (c *Client) GetTransactions(ctx context.Context, creds Credentials, q TransactionsQuery) (string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = transactionsDefaultLimit
	}

	if limit > transactionsMaxLimit {
		limit = transactionsMaxLimit
	}

	filters := map[string]any{}
	if q.StartDate != "" {
		filters["startDate"] = q.StartDate
	}

	if q.EndDate != "" {
		filters["endDate"] = q.EndDate
	}

	if q.AccountID != "" {
		filters["accounts"] = []string{q.AccountID}
	}

	variables := map[string]any{
		"offset":  0,
		"limit":   limit,
		"filters": filters,
	}

	data, err := c.gql(ctx, creds, "GetTransactionsList", queryGetTransactions, variables)
	if err != nil {
		return "", err
	}

	results := data.Get("allTransactions.results").Array()
	if len(results) == 0 {
		return "No transactions found for the specified criteria.", nil
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Found %d transactions", len(results))

	if q.StartDate != "" {
		fmt.Fprintf(&b, " from %s", q.StartDate)
	}

	if q.EndDate != "" {
		fmt.Fprintf(&b, " to %s", q.EndDate)
	}

	fmt.Fprintf(&b, " (showing up to %d):\n\n", limit)

	for i, tx := range results {
		if i == transactionsShown {
			break
		}

		fmt.Fprintf(&b, "%s - %s\n", stringOr(tx.Get("date"), "Unknown"), stringOr(tx.Get("merchant.name"), "Unknown Merchant"))
		fmt.Fprintf(&b, "  Amount: $%.2f\n", tx.Get("amount").Float())
		fmt.Fprintf(&b, "  Category: %s\n", stringOr(tx.Get("category.name"), "Uncategorized"))
		fmt.Fprintf(&b, "  Account: %s\n\n", stringOr(tx.Get("account.displayName"), "Unknown Account"))
	}

	if len(results) > transactionsShown {
		fmt.Fprintf(&b, "... and %d more transactions\n", len(results)-transactionsShown)
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

// GetBudgets returns the budgeted and actual amounts per category for
// the month window.
func (c *Client) GetBudgets(ctx context.Context, creds Credentials, startDate, endDate string) (string, error) {
	variables := map[string]any{
		"startDate": startDate,
		"endDate":   endDate,
	}

	data, err := c.gql(ctx, creds, "GetBudgets", queryGetBudgets, variables)
	if err != nil {
		return "", err
	}

	categories := data.Get("budgetData.monthlyAmountsByCategory").Array()
	if len(categories) == 0 {
		return "No budget information available.", nil
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Budget categories (%s to %s):\n\n", startDate, endDate)

	for _, cat := range categories {
		name := stringOr(cat.Get("category.name"), "Unnamed")
		group := stringOr(cat.Get("category.group.name"), "Ungrouped")

		fmt.Fprintf(&b, "%s / %s\n", group, name)

		for _, m := range cat.Get("monthlyAmounts").Array() {
			fmt.Fprintf(&b, "  %s: planned $%.2f, actual $%.2f, remaining $%.2f\n",
				m.Get("month").String(),
				m.Get("plannedCashFlowAmount").Float(),
				m.Get("actualAmount").Float(),
				m.Get("remainingAmount").Float())
		}

		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

// GetSpendingPlan returns planned versus actual income and expenses for
// the month window.
func (c *Client) GetSpendingPlan(ctx context.Context, creds Credentials, startDate, endDate string) (string, error) {
	variables := map[string]any{
		"startDate": startDate,
		"endDate":   endDate,
	}

	data, err := c.gql(ctx, creds, "GetSpendingPlan", queryGetSpendingPlan, variables)
	if err != nil {
		return "", err
	}

	months := data.Get("budgetData.totalsByMonth").Array()
	if len(months) == 0 {
		return "No spending plan available for the requested month.", nil
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Spending plan:\n\n")

	for _, m := range months {
		fmt.Fprintf(&b, "%s\n", m.Get("month").String())
		fmt.Fprintf(&b, "  Income: planned $%.2f, actual $%.2f\n",
			m.Get("totalIncome.plannedAmount").Float(),
			m.Get("totalIncome.actualAmount").Float())
		fmt.Fprintf(&b, "  Expenses: planned $%.2f, actual $%.2f\n\n",
			m.Get("totalExpenses.plannedAmount").Float(),
			m.Get("totalExpenses.actualAmount").Float())
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

// GetAccountHistory returns the balance series for one account.
func (c *Client) GetAccountHistory(ctx context.Context, creds Credentials, q HistoryQuery) (string, error) {
	variables := map[string]any{
		"accountId": q.AccountID,
	}

	if q.StartDate != "" {
		variables["startDate"] = q.StartDate
	}

	if q.EndDate != "" {
		variables["endDate"] = q.EndDate
	}

	data, err := c.gql(ctx, creds, "AccountBalanceHistory", queryAccountHistory, variables)
	if err != nil {
		return "", err
	}

	points := data.Get("accountBalanceHistory").Array()
	if len(points) == 0 {
		return fmt.Sprintf("No history found for account %s", q.AccountID), nil
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Balance history for account %s (%d points):\n\n", q.AccountID, len(points))

	for _, p := range points {
		fmt.Fprintf(&b, "%s: $%.2f\n", p.Get("date").String(), p.Get("balance").Float())
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

func stringOr(r gjson.Result, fallback string) string {
	if s := r.String(); s != "" {
		return s
	}

	return fallback
}
