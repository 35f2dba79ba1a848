package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/orderbridge/orderbridge/internal/store"
)

var (
	taxTotalRegex    = regexp.MustCompile(`(?i)importe\s+(incl\.?|del)\s*iva(\s*eur)?(\s*-?[0-9.]+(,\d+)?)?`)
	percentRegex     = regexp.MustCompile(`\d+,\d+% ?`)
	vendorCodeRegex  = regexp.MustCompile(`\([A-Z0-9-]{8,}\)`)
	negativeAmtRegex = regexp.MustCompile(`-\s*\d+,\d+`)
)

// RederiveSummaries cleans a stored product text and moves gift items out of it.
// Tax totals, percentage annotations and vendor codes are removed; items naming a
// sample or carrying a negative amount are appended to the gift text.
func RederiveSummaries(productText, giftText string) (string, string) {
	text := taxTotalRegex.ReplaceAllString(productText, "")
	text = percentRegex.ReplaceAllString(text, "")
	text = vendorCodeRegex.ReplaceAllString(text, "")

	var products, gifts []string
	for _, item := range splitItems(text) {
		item = strings.Join(strings.Fields(item), " ")
		if item == "" {
			continue
		}
		if strings.Contains(strings.ToLower(item), "sample") || negativeAmtRegex.MatchString(item) {
			gifts = append(gifts, item)
			continue
		}
		products = append(products, item)
	}

	gift := strings.Trim(strings.TrimSpace(giftText), ", ")
	if len(gifts) > 0 {
		if gift != "" {
			gift += ", "
		}
		gift += strings.Join(gifts, ", ")
	}
	return strings.Join(products, ", "), gift
}

// splitItems splits on commas, except decimal commas between two digits.
func splitItems(text string) []string {
	var items []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] != ',' {
			continue
		}
		if i > 0 && i+1 < len(text) && isDigit(text[i-1]) && isDigit(text[i+1]) {
			continue
		}
		items = append(items, text[start:i])
		start = i + 1
	}
	return append(items, text[start:])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// ReprocessReport summarizes a reprocessing pass.
type ReprocessReport struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
}

// ReprocessSummaries rewrites the product and gift text of every stored order whose
// text changes under RederiveSummaries.
func (p *Pipeline) ReprocessSummaries(ctx context.Context) (ReprocessReport, error) {
	var report ReprocessReport

	orders, err := p.store.ListOrders(ctx, store.OrderFilter{})
	if err != nil {
		return report, fmt.Errorf("failed to list orders: %w", err)
	}

	for _, o := range orders {
		report.Scanned++
		products, gifts := RederiveSummaries(o.ProductText, o.GiftText)
		if products == o.ProductText && gifts == o.GiftText {
			continue
		}
		if err := p.store.UpdateOrderSummaries(ctx, o.ID, products, gifts); err != nil {
			return report, err
		}
		report.Updated++
		zap.L().Debug("order summaries rewritten", zap.Int64("order_id", o.ID))
	}

	zap.L().Info("reprocessing finished", zap.Int("scanned", report.Scanned), zap.Int("updated", report.Updated))
	return report, nil
}
