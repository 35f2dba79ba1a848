// Package extract turns the plain-text body of a vendor order confirmation email into
// structured order blocks.
package extract

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/orderbridge/orderbridge/internal/names"
)

// DateLayout is the storage and display format of order dates.
const DateLayout = "2006-01-02"

var (
	orderHeaderRegex = regexp.MustCompile(`(?im)^\s*pedido\s+([A-Z0-9\-]+)\s*$`)
	orderDateRegex   = regexp.MustCompile(`Fecha:\s*(\d\d\.\d\d\.\d\d\d\d)`)
	orderTotalRegex  = regexp.MustCompile(`(?i)Importe incl\.? IVA\s*EUR\s*([-0-9.,]+)`)
)

// DefaultNameMarkers introduce the billing name in the vendor templates.
var DefaultNameMarkers = []string{
	"Dirección de facturación",
	"Direccion de facturacion",
	"Billing address",
}

// ParsedOrderBlock is one order found in an email body.
type ParsedOrderBlock struct {
	ExternalID    string
	OrderDate     time.Time
	CustomerName  string
	Items         []LineItem
	Total         decimal.Decimal
	TotalDeclared bool
}

// Products returns the paid items in document order.
func (b ParsedOrderBlock) Products() []LineItem { return b.filter(KindProduct) }

// Gifts returns the gift items in document order.
func (b ParsedOrderBlock) Gifts() []LineItem { return b.filter(KindGift) }

func (b ParsedOrderBlock) filter(kind Kind) []LineItem {
	var out []LineItem
	for _, it := range b.Items {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}

// ProductSummary joins the product names with ", ".
func (b ParsedOrderBlock) ProductSummary() string { return joinNames(b.Products()) }

// GiftSummary joins the gift names with ", "; empty when there are no gifts.
func (b ParsedOrderBlock) GiftSummary() string { return joinNames(b.Gifts()) }

// DateString returns the order date in DateLayout.
func (b ParsedOrderBlock) DateString() string { return b.OrderDate.Format(DateLayout) }

func joinNames(items []LineItem) string {
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	return strings.Join(names, ", ")
}

// Parser splits email bodies into order blocks.
type Parser struct {
	// Now supplies the processing date used when a block states no date.
	Now func() time.Time
	// NameMarkers are the phrases that precede the customer name.
	NameMarkers []string
}

// NewParser returns a parser using the wall clock and DefaultNameMarkers.
func NewParser() *Parser {
	return &Parser{Now: time.Now, NameMarkers: DefaultNameMarkers}
}

type segment struct {
	externalID string
	text       string
}

// Parse extracts the orders contained in body, in document order. Blocks without a
// customer name or without any product line are dropped. fallbackExternalID is used
// for blocks whose header carried no id.
func (p *Parser) Parse(body, fallbackExternalID string) []ParsedOrderBlock {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	bodyDate, hasBodyDate := findDate(body)

	var blocks []ParsedOrderBlock
	for _, seg := range splitBlocks(body) {
		externalID := seg.externalID
		if externalID == "" {
			externalID = strings.TrimSpace(fallbackExternalID)
		}

		name := p.customerName(seg.text)
		if name == "" {
			continue
		}

		items := classifyLines(seg.text)
		if len(items) == 0 {
			continue
		}

		date, ok := findDate(seg.text)
		if !ok {
			date, ok = bodyDate, hasBodyDate
		}
		if !ok {
			date = p.today()
		}

		total, declared := findTotal(seg.text)

		blocks = append(blocks, ParsedOrderBlock{
			ExternalID:    externalID,
			OrderDate:     date,
			CustomerName:  name,
			Items:         items,
			Total:         total,
			TotalDeclared: declared,
		})
	}
	return blocks
}

// splitBlocks splits body on "pedido <ID>" header lines. Without any header the whole
// body is a single block with no id.
func splitBlocks(body string) []segment {
	locs := orderHeaderRegex.FindAllStringSubmatchIndex(body, -1)
	if len(locs) == 0 {
		return []segment{{text: body}}
	}

	segs := make([]segment, 0, len(locs))
	for i, loc := range locs {
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		segs = append(segs, segment{
			externalID: strings.TrimSpace(body[loc[2]:loc[3]]),
			text:       body[loc[1]:end],
		})
	}
	return segs
}

func (p *Parser) today() time.Time {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	t := now()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func findDate(text string) (time.Time, bool) {
	m := orderDateRegex.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	d, err := time.Parse("02.01.2006", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

func findTotal(text string) (decimal.Decimal, bool) {
	m := orderTotalRegex.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, false
	}
	total, err := ParseAmount(m[1])
	if err != nil {
		return decimal.Zero, false
	}
	return total, true
}

func classifyLines(text string) []LineItem {
	var items []LineItem
	for _, line := range strings.Split(text, "\n") {
		if item, ok := ClassifyLine(line); ok {
			items = append(items, item)
		}
	}
	return items
}

// customerName finds the first marker line and takes the rest of that line, or the
// next non-empty line, provided the candidate contains no digits.
func (p *Parser) customerName(text string) string {
	markers := p.markerPatterns()

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		rest, found := afterMarker(line, markers)
		if !found {
			continue
		}

		rest = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(rest), ":"))
		if usableName(rest) {
			return rest
		}

		for _, next := range lines[i+1:] {
			next = strings.TrimSpace(next)
			if next == "" {
				continue
			}
			if usableName(next) {
				return next
			}
			break
		}
		return ""
	}
	return ""
}

func (p *Parser) markerPatterns() []*regexp.Regexp {
	markers := p.NameMarkers
	if len(markers) == 0 {
		markers = DefaultNameMarkers
	}
	patterns := make([]*regexp.Regexp, 0, len(markers))
	for _, m := range markers {
		patterns = append(patterns, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(m)))
	}
	return patterns
}

// afterMarker returns the text following the first marker found in line.
func afterMarker(line string, markers []*regexp.Regexp) (string, bool) {
	for _, re := range markers {
		if loc := re.FindStringIndex(line); loc != nil {
			return line[loc[1]:], true
		}
	}
	return "", false
}

// usableName accepts a digit-free candidate that still has a matching key once
// normalized.
func usableName(s string) bool {
	return s != "" && !hasDigit(s) && names.Normalize(s) != ""
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
