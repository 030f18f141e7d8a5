package scenario

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/vanshika/paybridge/backend/internal/domain"
)

// RenderReport prints one row per step followed by a summary line.
func RenderReport(w io.Writer, report Report) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Action", "Name", "Subject", "Status", "KES", "USDC", "Result", "Detail"})
	table.SetAutoWrapText(false)
	for _, res := range report.Results {
		result := "ok"
		if !res.Passed {
			result = "FAIL"
		}
		table.Append([]string{
			strconv.Itoa(res.Index),
			res.Action,
			res.Name,
			res.Subject,
			res.Status,
			formatAmount(res.KES.IsZero(), res.KES.StringFixed(domain.KESPlaces)),
			formatAmount(res.USDC.IsZero(), res.USDC.StringFixed(domain.USDCPlaces)),
			result,
			res.Detail,
		})
	}
	table.Render()
	fmt.Fprintf(w, "%s: %d steps, %d failed\n", report.Scenario, len(report.Results), report.Failures)
}

// RenderHistory prints a participant's transactions.
func RenderHistory(w io.Writer, participantID string, txs []domain.PaymentTransaction) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Kind", "Status", "KES", "USDC", "Rate", "Created", "Completed", "Reference"})
	table.SetAutoWrapText(false)
	for _, tx := range txs {
		completed := ""
		if tx.CompletedAt != nil {
			completed = tx.CompletedAt.UTC().Format(time.RFC3339)
		}
		table.Append([]string{
			tx.ID,
			string(tx.Kind),
			string(tx.Status),
			tx.AmountKES.StringFixed(domain.KESPlaces),
			tx.AmountUSDC.StringFixed(domain.USDCPlaces),
			tx.ExchangeRate.String(),
			tx.CreatedAt.UTC().Format(time.RFC3339),
			completed,
			tx.Reference,
		})
	}
	table.Render()
	fmt.Fprintf(w, "%s: %d transactions\n", participantID, len(txs))
}

func formatAmount(zero bool, s string) string {
	if zero {
		return ""
	}
	return s
}
