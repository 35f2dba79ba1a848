package extract

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		ok       bool
		code     string
		itemName string
		price    string
		kind     Kind
	}{
		{
			name:     "plain product",
			line:     "R123 Relax Oil EUR 29,90",
			ok:       true,
			code:     "R123",
			itemName: "Relax Oil",
			price:    "29.9",
			kind:     KindProduct,
		},
		{
			name:     "sample is a gift",
			line:     "R124 Relax Sample EUR 0,00",
			ok:       true,
			code:     "R124",
			itemName: "Relax Sample",
			price:    "0",
			kind:     KindGift,
		},
		{
			name:     "sample keyword is case-insensitive",
			line:     "R200 Face SAMPLE set EUR 3,00",
			ok:       true,
			code:     "R200",
			itemName: "Face SAMPLE set",
			price:    "3",
			kind:     KindGift,
		},
		{
			name:     "negative price is a gift",
			line:     "R125 Bonus Item EUR -5,00",
			ok:       true,
			code:     "R125",
			itemName: "Bonus Item",
			price:    "-5",
			kind:     KindGift,
		},
		{
			name:     "thousands separator",
			line:     "X-9 Big Box EUR 1.234,56",
			ok:       true,
			code:     "X-9",
			itemName: "Big Box",
			price:    "1234.56",
			kind:     KindProduct,
		},
		{
			name:     "percentage and vendor code are stripped",
			line:     "R300 Fresh Serum 21,00% (RGN-00012345) EUR 45,00 1 EUR 45,00",
			ok:       true,
			code:     "R300",
			itemName: "Fresh Serum",
			price:    "45",
			kind:     KindProduct,
		},
		{
			name:     "short parenthesized text is kept",
			line:     "R301 Cream (50ml) EUR 12,50",
			ok:       true,
			code:     "R301",
			itemName: "Cream (50ml)",
			price:    "12.5",
			kind:     KindProduct,
		},
		{
			name:     "shipping in a product name",
			line:     "R5 Shipping Bag EUR 4,00",
			ok:       true,
			code:     "R5",
			itemName: "Shipping Bag",
			price:    "4",
			kind:     KindProduct,
		},
		{name: "tax total line", line: "Importe incl. IVA EUR 59,80"},
		{name: "tax amount line", line: "Importe del IVA EUR 10,38"},
		{name: "status line", line: "Estatus: enviado"},
		{name: "address line", line: "Dirección de facturación: Ana"},
		{name: "payment line", line: "Modalidad de pago: Tarjeta EUR 0,00"},
		{name: "shipping line", line: "SHIP01 Gastos de envío EUR 4,90"},
		{name: "shipping costs line", line: "Shipping costs EUR 4,90"},
		{name: "shipping method line", line: "SHIP02 Shipping method: Standard EUR 0,00"},
		{name: "free text", line: "Gracias por tu pedido"},
		{name: "empty", line: "   "},
		{name: "price missing digits", line: "R1 Something EUR -"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, ok := ClassifyLine(tt.line)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.code, item.Code)
			assert.Equal(t, tt.itemName, item.Name)
			assert.True(t, decimal.RequireFromString(tt.price).Equal(item.Price), "price %s", item.Price)
			assert.Equal(t, tt.kind, item.Kind)
		})
	}
}

func TestClassifyLineNegativeZero(t *testing.T) {
	item, ok := ClassifyLine("R9 Voucher EUR -0,00")
	require.True(t, ok)
	assert.True(t, item.IsGift())
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"1.234,56", "1234.56", false},
		{"29,90", "29.9", false},
		{"-5,00", "-5", false},
		{"0", "0", false},
		{"", "", true},
		{"-", "", true},
		{"1,2,3", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.expected).Equal(got), "got %s", got)
		})
	}
}

func TestCleanProductName(t *testing.T) {
	assert.Equal(t, "Fresh Serum", CleanProductName("Fresh Serum 21,00% "))
	assert.Equal(t, "Oil", CleanProductName("Oil (ABCD-1234)"))
	assert.Equal(t, "", CleanProductName(" 10,00% "))
}
