package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgerbridge/monarch-mcp-oauth/monarch"
)

// FinanceClient executes the financial operations on behalf of the
// unsealed end-user identity. *monarch.Client satisfies it.
type FinanceClient interface {
	GetAccounts(ctx context.Context, creds monarch.Credentials) (string, error)
	GetTransactions(ctx context.Context, creds monarch.Credentials, q monarch.TransactionsQuery) (string, error)
	GetBudgets(ctx context.Context, creds monarch.Credentials, startDate, endDate string) (string, error)
	GetSpendingPlan(ctx context.Context, creds monarch.Credentials, startDate, endDate string) (string, error)
	GetAccountHistory(ctx context.Context, creds monarch.Credentials, q monarch.HistoryQuery) (string, error)
}

// Tool is one entry of the fixed catalog served by tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

const (
	datePattern  = `^\d{4}-\d{2}-\d{2}$`
	monthPattern = `^\d{4}-\d{2}$`
)

func dateProperty(desc string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": desc,
		"pattern":     datePattern,
	}
}

// toolCatalog is the complete, fixed set of tools. tools/list serves
// it verbatim and tools/call refuses names outside it.
func toolCatalog() []Tool {
	return []Tool{
		{
			Name: "get_accounts",
			Description: "Get all Monarch Money accounts with balances and details. " +
				"Returns current balances, account types, and institution details.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
				"required":   []string{},
			},
		},
		{
			Name: "get_transactions",
			Description: "Get Monarch Money transactions with optional filtering. " +
				"Supports date range filtering and account-specific queries.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_date": dateProperty("Start date in YYYY-MM-DD format"),
					"end_date":   dateProperty("End date in YYYY-MM-DD format"),
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of transactions (1-1000)",
						"minimum":     1,
						"maximum":     1000,
						"default":     100,
					},
					"account_id": map[string]any{
						"type":        "string",
						"description": "Optional account ID to filter transactions",
					},
				},
				"required": []string{},
			},
		},
		{
			Name: "get_budgets",
			Description: "Get Monarch Money budget information for the current month, " +
				"with planned, actual, and remaining amounts per category.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
				"required":   []string{},
			},
		},
		{
			Name: "get_spending_plan",
			Description: "Get the spending plan for a specific month: planned versus " +
				"actual income and expenses.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"month": map[string]any{
						"type":        "string",
						"description": "Month in YYYY-MM format (defaults to current month)",
						"pattern":     monthPattern,
					},
				},
				"required": []string{},
			},
		},
		{
			Name: "get_account_history",
			Description: "Get balance history for a specific account. Returns the " +
				"historical balance series over time.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"account_id": map[string]any{
						"type":        "string",
						"description": "Account ID to get history for",
					},
					"start_date": dateProperty("Start date in YYYY-MM-DD format"),
					"end_date":   dateProperty("End date in YYYY-MM-DD format"),
				},
				"required": []string{"account_id"},
			},
		},
	}
}

// invalidArgsError marks tool argument failures so the dispatcher can
// answer with invalid-params instead of internal-error.
type invalidArgsError struct {
	msg string
}

func (e *invalidArgsError) Error() string { return e.msg }

func invalidArgsf(format string, args ...any) error {
	return &invalidArgsError{msg: fmt.Sprintf(format, args...)}
}

type transactionsArgs struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Limit     int    `json:"limit"`
	AccountID string `json:"account_id"`
}

type spendingPlanArgs struct {
	Month string `json:"month"`
}

type historyArgs struct {
	AccountID string `json:"account_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return invalidArgsf("arguments do not match the tool schema: %v", err)
	}

	return nil
}

func validDate(field, v string) error {
	if v == "" {
		return nil
	}

	if _, err := time.Parse("2006-01-02", v); err != nil {
		return invalidArgsf("%s must be in YYYY-MM-DD format", field)
	}

	return nil
}

// monthWindow resolves a YYYY-MM month (empty means the month of now)
// into a [first of month, first of next month) date pair.
func monthWindow(month string, now time.Time) (string, string, error) {
	var first time.Time

	if month == "" {
		first = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	} else {
		t, err := time.Parse("2006-01", month)
		if err != nil {
			return "", "", invalidArgsf("month must be in YYYY-MM format")
		}

		first = t
	}

	next := first.AddDate(0, 1, 0)

	return first.Format("2006-01-02"), next.Format("2006-01-02"), nil
}

// dispatchTool validates the arguments for the named tool and invokes
// the finance client. Argument failures return *invalidArgsError; any
// other error came from the collaborator.
func dispatchTool(ctx context.Context, fc FinanceClient, name string, rawArgs json.RawMessage,
	creds monarch.Credentials, now time.Time) (string, error) {
	switch name {
	case "get_accounts":
		return fc.GetAccounts(ctx, creds)

	case "get_transactions":
		var args transactionsArgs
		if err := decodeArgs(rawArgs, &args); err != nil {
			return "", err
		}

		if err := validDate("start_date", args.StartDate); err != nil {
			return "", err
		}

		if err := validDate("end_date", args.EndDate); err != nil {
			return "", err
		}

		if args.Limit < 0 || args.Limit > 1000 {
			return "", invalidArgsf("limit must be between 1 and 1000")
		}

		return fc.GetTransactions(ctx, creds, monarch.TransactionsQuery{
			StartDate: args.StartDate,
			EndDate:   args.EndDate,
			Limit:     args.Limit,
			AccountID: args.AccountID,
		})

	case "get_budgets":
		start, end, err := monthWindow("", now)
		if err != nil {
			return "", err
		}

		return fc.GetBudgets(ctx, creds, start, end)

	case "get_spending_plan":
		var args spendingPlanArgs
		if err := decodeArgs(rawArgs, &args); err != nil {
			return "", err
		}

		start, end, err := monthWindow(args.Month, now)
		if err != nil {
			return "", err
		}

		return fc.GetSpendingPlan(ctx, creds, start, end)

	case "get_account_history":
		var args historyArgs
		if err := decodeArgs(rawArgs, &args); err != nil {
			return "", err
		}

		if args.AccountID == "" {
			return "", invalidArgsf("account_id is required")
		}

		if err := validDate("start_date", args.StartDate); err != nil {
			return "", err
		}

		if err := validDate("end_date", args.EndDate); err != nil {
			return "", err
		}

		return fc.GetAccountHistory(ctx, creds, monarch.HistoryQuery{
			AccountID: args.AccountID,
			StartDate: args.StartDate,
			EndDate:   args.EndDate,
		})

	default:
		return "", invalidArgsf("unknown tool %q", name)
	}
}
