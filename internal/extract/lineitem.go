package extract

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind tells whether a line item is paid merchandise or a promotional gift.
type Kind string

const (
	KindProduct Kind = "product"
	KindGift    Kind = "gift"
)

// LineItem is one product line parsed out of an order block.
type LineItem struct {
	Raw   string
	Code  string
	Name  string
	Price decimal.Decimal
	Kind  Kind
}

// IsGift reports whether the item counts as a non-revenue gift.
func (li LineItem) IsGift() bool { return li.Kind == KindGift }

var (
	// CODE NAME EUR PRICE, anything after the first price is ignored.
	productLineRegex = regexp.MustCompile(`^([A-Za-z0-9-]+)\s+(.+?)\s+EUR\s+([-0-9.,]+)`)

	percentRegex    = regexp.MustCompile(`\d+,\d+%\s?`)
	vendorCodeRegex = regexp.MustCompile(`\([A-Z0-9-]{8,}\)`)
	spacesRegex     = regexp.MustCompile(`\s+`)

	// Lines that are never products, matched case-insensitively as substrings.
	nonProductMarkers = []string{
		// tax / totals
		"importe incl", "importe del iva", "total incl",
		// status
		"estatus", "status:",
		// addresses
		"dirección", "direccion", "billing address", "shipping address",
		// payment / shipping
		"modalidad de pago", "forma de pago", "payment method",
		"gastos de envío", "gastos de envio", "forma de envío", "forma de envio",
		"shipping method", "shipping costs",
	}
)

var errEmptyAmount = errors.New("empty amount")

// ClassifyLine parses a single line of an order block. It returns false for lines
// that are denylisted or do not look like "CODE NAME EUR PRICE".
func ClassifyLine(line string) (LineItem, bool) {
	line = strings.TrimSpace(line)
	if line == "" || isNonProductLine(line) {
		return LineItem{}, false
	}

	m := productLineRegex.FindStringSubmatch(line)
	if m == nil {
		return LineItem{}, false
	}

	priceText := strings.TrimSpace(m[3])
	price, err := ParseAmount(priceText)
	if err != nil {
		return LineItem{}, false
	}

	name := CleanProductName(m[2])
	if name == "" {
		return LineItem{}, false
	}

	item := LineItem{
		Raw:   line,
		Code:  m[1],
		Name:  name,
		Price: price,
		Kind:  KindProduct,
	}

	switch {
	case strings.Contains(strings.ToLower(name), "sample"):
		item.Kind = KindGift
	case strings.HasPrefix(priceText, "-"):
		// "-0,00" is still a discount line, so the sign is read from the text
		item.Kind = KindGift
	}

	return item, true
}

func isNonProductLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range nonProductMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// CleanProductName removes percentage annotations ("21,00%") and long parenthesized
// vendor codes from a product name.
func CleanProductName(name string) string {
	name = percentRegex.ReplaceAllString(name, "")
	name = vendorCodeRegex.ReplaceAllString(name, "")
	name = spacesRegex.ReplaceAllString(name, " ")
	return strings.Trim(name, " ,")
}

// ParseAmount parses a European formatted amount: dots group thousands and the comma
// is the decimal separator ("1.234,56" -> 1234.56).
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" || s == "-" {
		return decimal.Zero, errEmptyAmount
	}
	return decimal.NewFromString(s)
}
