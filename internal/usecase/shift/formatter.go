package shift

import (
	"fmt"
	"strings"
	"time"

	"tg-shift-ledger/internal/domain"
)

// FormatCloseReport формирует текст уведомления о закрытой смене для отправки в чат.
func FormatCloseReport(job domain.ShiftCloseJob) string {
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		loc = time.UTC
	}

	title := fmt.Sprintf("Shift #%d closed", job.Number)
	if prefix := strings.TrimSpace(job.Prefix); prefix != "" {
		title = fmt.Sprintf("%s — shift #%d closed", prefix, job.Number)
	}

	var builder strings.Builder
	builder.WriteString("🧾 " + title + "\n")
	builder.WriteString(fmt.Sprintf("From %s to %s\n",
		job.StartedAt.In(loc).Format("02.01 15:04"),
		job.EndedAt.In(loc).Format("02.01 15:04")))

	if len(job.Totals) == 0 {
		builder.WriteString("\nNo transactions in this shift.")
	} else {
		builder.WriteString("\nTotals:")
		for _, total := range job.Totals {
			builder.WriteString(fmt.Sprintf("\n• %s %s (%d)", total.Amount.String(), total.Currency, total.Count))
		}
	}

	if job.Coalesced > 1 {
		builder.WriteString(fmt.Sprintf("\n\n%d scheduled close times were combined into this report.", job.Coalesced))
	}

	return strings.TrimSpace(builder.String())
}
