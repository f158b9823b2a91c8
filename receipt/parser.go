/*
parser.go - Receipt page parser

PURPOSE:
  Turns a consumer receipt page (NFC-e style, served as HTML by the state
  tax portal) into ledger.PurchaseData. Parsing is anchored on fixed ids,
  classes and label strings, so it keeps working when unrelated markup
  moves around.

ANCHORS:
  merchant name:  #u20 or .txtTopo
  product lines:  rows of #tabResult, name in span.txtTit, value in span.valor
  totals block:   div#linhaTotal / div#linhaForma rows, each a <label> and a
                  span.totalNumb
    "Valor a pagar R$:"     total paid (preferred)
    "Valor total R$:"       total before discounts (fallback)
    "Forma de pagamento:"   payment lines follow, up to "Troco"

MISSING SECTIONS:
  Each section is optional. A missing merchant leaves StoreName empty, a
  missing total leaves TotalValue nil, missing payment or product sections
  yield empty slices. Only a page with none of the anchors is an error.
*/
package receipt

import (
	"errors"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/warp/welfare-ledger/ledger"
)

// ErrUnrecognizedPage is returned when none of the receipt anchors exist,
// typically an error or captcha page served with status 200.
var ErrUnrecognizedPage = errors.New("unrecognized receipt page")

const (
	labelAmountDue = "Valor a pagar R$:"
	labelTotal     = "Valor total R$:"
	labelPayment   = "Forma de pagamento:"
	labelChange    = "Troco"
)

// Parse extracts purchase data from a receipt page. r must yield UTF-8.
func Parse(r io.Reader) (ledger.PurchaseData, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return ledger.PurchaseData{}, err
	}

	data := ledger.PurchaseData{
		Payment:  []ledger.PaymentLine{},
		Products: []ledger.PurchasedProduct{},
	}
	recognized := false

	if n := find(doc, func(n *html.Node) bool { return id(n) == "u20" || hasClass(n, "txtTopo") }); n != nil {
		data.StoreName = text(n)
		recognized = true
	}

	if table := find(doc, func(n *html.Node) bool { return id(n) == "tabResult" }); table != nil {
		data.Products = parseProducts(table)
		recognized = true
	}

	rows := findAll(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Div && (id(n) == "linhaTotal" || id(n) == "linhaForma")
	})
	if len(rows) > 0 {
		recognized = true
		parseTotals(rows, &data)
	}

	if !recognized {
		return ledger.PurchaseData{}, ErrUnrecognizedPage
	}
	return data, nil
}

// parseProducts reads #tabResult rows. Lines with the same name are summed
// since one item can be listed once per tax rate.
func parseProducts(table *html.Node) []ledger.PurchasedProduct {
	products := []ledger.PurchasedProduct{}
	index := make(map[string]int)

	for _, row := range findAll(table, func(n *html.Node) bool { return n.DataAtom == atom.Tr }) {
		nameNode := find(row, func(n *html.Node) bool { return n.DataAtom == atom.Span && hasClass(n, "txtTit") })
		valueNode := find(row, func(n *html.Node) bool { return hasClass(n, "valor") })
		if nameNode == nil || valueNode == nil {
			continue
		}
		name := text(nameNode)
		value, ok := ParseAmount(text(valueNode))
		if name == "" || !ok {
			continue
		}
		if i, seen := index[name]; seen {
			products[i].TotalValue = products[i].TotalValue.Add(value)
			continue
		}
		index[name] = len(products)
		products = append(products, ledger.PurchasedProduct{Name: name, TotalValue: value})
	}
	return products
}

func parseTotals(rows []*html.Node, data *ledger.PurchaseData) {
	var fallback *decimal.Decimal
	inPayment := false

	for _, row := range rows {
		label := ""
		if n := find(row, func(n *html.Node) bool { return n.DataAtom == atom.Label }); n != nil {
			label = text(n)
		}
		raw := ""
		if n := find(row, func(n *html.Node) bool { return hasClass(n, "totalNumb") }); n != nil {
			raw = text(n)
		}
		value, ok := ParseAmount(raw)

		switch {
		case strings.HasPrefix(label, labelAmountDue):
			if ok {
				data.TotalValue = &value
			}
		case strings.HasPrefix(label, labelTotal):
			if ok {
				fallback = &value
			}
		case strings.HasPrefix(label, labelPayment):
			inPayment = true
		case inPayment && strings.HasPrefix(label, labelChange):
			inPayment = false
		case inPayment && label != "" && ok:
			data.Payment = append(data.Payment, ledger.PaymentLine{Name: label, Value: value})
		}
	}

	if data.TotalValue == nil {
		data.TotalValue = fallback
	}
}

// ParseAmount parses Brazilian formatted numbers such as "1.234,56" or
// "R$ 12,90".
func ParseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "R$"))
	s = strings.ReplaceAll(s, "\u00a0", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Zero, false
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.Replace(s, ",", ".", 1)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// =============================================================================
// TREE HELPERS
// =============================================================================

func id(n *html.Node) string {
	for _, a := range n.Attr {
		if a.Key == "id" {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

// find returns the first element under root (inclusive, document order)
// matching pred.
func find(root *html.Node, pred func(*html.Node) bool) *html.Node {
	if root.Type == html.ElementNode && pred(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := find(c, pred); n != nil {
			return n
		}
	}
	return nil
}

func findAll(root *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && pred(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// text returns the node's text content with whitespace collapsed.
func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
