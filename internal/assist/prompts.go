package assist

import (
	"fmt"
	"strings"

	"github.com/fincaops/recon-engine/internal/domain"
)

// TransactionSummary is the minimal view of a transaction handed to the
// model. No internal IDs or tenant data beyond what the decision needs.
type TransactionSummary struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	PayerName   string `json:"payer_name,omitempty"`
}

// CandidateSummary is one open receivable offered to the model.
type CandidateSummary struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	DueDate   string `json:"due_date"`
	Reference string `json:"reference,omitempty"`
	PayerName string `json:"payer_name,omitempty"`
}

// SummarizeTransaction builds the model view of a bank transaction.
func SummarizeTransaction(tx domain.BankTransaction) TransactionSummary {
	return TransactionSummary{
		Date:        tx.PostingDate.Format("2006-01-02"),
		Description: tx.Description,
		Amount:      tx.Amount.StringFixed(2),
		Currency:    tx.Currency,
		PayerName:   tx.PayerName,
	}
}

// SummarizeCandidates builds the model view of the open receivables.
func SummarizeCandidates(receivables []domain.Receivable) []CandidateSummary {
	out := make([]CandidateSummary, 0, len(receivables))
	for _, r := range receivables {
		out = append(out, CandidateSummary{
			ID:        r.ID,
			Kind:      string(r.Kind),
			Amount:    r.Amount.StringFixed(2),
			Currency:  r.Currency,
			DueDate:   r.DueDate.Format("2006-01-02"),
			Reference: r.Reference,
			PayerName: r.PayerName,
		})
	}
	return out
}

// buildClassifyPrompt assembles the strict-JSON classification prompt.
func buildClassifyPrompt(tx TransactionSummary, candidates []CandidateSummary) string {
	var b strings.Builder

	b.WriteString("You are a bank transaction reconciliation assistant for a property management system.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- Decide which receivable, if any, the bank transaction below pays.\n")
	b.WriteString("- Output STRICT JSON only (no comments, no extra text, no Markdown fences).\n")
	b.WriteString("- Output a single JSON object with these fields:\n")
	b.WriteString("  - \"receivable_id\": string, the id of the chosen candidate, or \"\" if none fits\n")
	b.WriteString("  - \"confidence\": number between 0 and 1\n")
	b.WriteString("  - \"reason\": short string explaining the choice\n\n")

	b.WriteString("Transaction:\n")
	fmt.Fprintf(&b, "  date: %s\n  description: %q\n  amount: %s %s\n",
		tx.Date, tx.Description, tx.Amount, tx.Currency)
	if tx.PayerName != "" {
		fmt.Fprintf(&b, "  payer: %q\n", tx.PayerName)
	}

	b.WriteString("\nOpen receivables:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "  - id: %s, kind: %s, amount: %s %s, due: %s",
			c.ID, c.Kind, c.Amount, c.Currency, c.DueDate)
		if c.Reference != "" {
			fmt.Fprintf(&b, ", reference: %s", c.Reference)
		}
		if c.PayerName != "" {
			fmt.Fprintf(&b, ", payer: %q", c.PayerName)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Choose a receivable only when the evidence genuinely supports it.\n")
	b.WriteString("- Prefer matching references, then amount plus payer, then amount plus date.\n")
	b.WriteString("- When several candidates fit equally well, return \"\" with confidence 0.\n")
	b.WriteString("- Never invent an id that is not in the candidate list.\n")
	b.WriteString("Output must begin with \"{\" and end with \"}\".\n")

	return b.String()
}
