package receipt

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FullReceipt(t *testing.T) {
	f, err := os.Open("testdata/nfce_full.html")
	require.NoError(t, err)
	defer f.Close()

	data, err := Parse(f)
	require.NoError(t, err)

	assert.Equal(t, "SUPERMERCADO BOM PRECO LTDA", data.StoreName)
	require.NotNil(t, data.TotalValue)
	assert.Equal(t, "1070", data.TotalValue.String(), "amount due wins over the gross total")

	require.Len(t, data.Payment, 2, "change row ends the payment section")
	assert.Equal(t, "Cartão de Débito", data.Payment[0].Name)
	assert.Equal(t, "1000", data.Payment[0].Value.String())
	assert.Equal(t, "Dinheiro", data.Payment[1].Name)

	require.Len(t, data.Products, 3, "duplicate rows are merged")
	assert.Equal(t, "ARROZ TIPO 1 5KG", data.Products[0].Name)
	assert.Equal(t, "43.8", data.Products[0].TotalValue.String())
	assert.Equal(t, "FEIJÃO CARIOCA 1KG", data.Products[1].Name)
	assert.Equal(t, "1020", data.Products[2].TotalValue.String())
}

func TestParse_MissingPaymentSection(t *testing.T) {
	// GIVEN: a receipt page without "Forma de pagamento"
	// THEN: payment is an empty list and parsing succeeds
	f, err := os.Open("testdata/nfce_no_payment.html")
	require.NoError(t, err)
	defer f.Close()

	data, err := Parse(f)
	require.NoError(t, err)

	assert.NotNil(t, data.Payment)
	assert.Empty(t, data.Payment)
	assert.Equal(t, "MERCADINHO DA ESQUINA", data.StoreName)
	require.NotNil(t, data.TotalValue)
	assert.Equal(t, "4.99", data.TotalValue.String(), "falls back to the gross total")
	require.Len(t, data.Products, 1)
}

func TestParse_OnlyProducts(t *testing.T) {
	page := `<table id="tabResult"><tr><td><span class="txtTit">PAO</span></td><td><span class="valor">0,75</span></td></tr></table>`

	data, err := Parse(strings.NewReader(page))
	require.NoError(t, err)

	assert.Empty(t, data.StoreName)
	assert.Nil(t, data.TotalValue)
	assert.Empty(t, data.Payment)
	require.Len(t, data.Products, 1)
}

func TestParse_UnrecognizedPage(t *testing.T) {
	f, err := os.Open("testdata/unavailable.html")
	require.NoError(t, err)
	defer f.Close()

	_, err = Parse(f)
	assert.ErrorIs(t, err, ErrUnrecognizedPage)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"21,90", "21.9", true},
		{"1.234,56", "1234.56", true},
		{"R$ 12,00", "12", true},
		{" 0,99 ", "0.99", true},
		{"12.345.678,01", "12345678.01", true},
		{"", "0", false},
		{"Valor pago R$:", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseAmount(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.String())
			}
		})
	}
}
