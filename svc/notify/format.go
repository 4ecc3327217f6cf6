package notify

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatAmount renders amount with the symbol of the ISO currency code.
// Unknown codes fall back to "<amount> <CODE>".
func FormatAmount(amount decimal.Decimal, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	unit, err := currency.ParseISO(code)
	if err != nil {
		return amount.StringFixed(2) + " " + code
	}
	return printer.Sprint(currency.Symbol(unit.Amount(amount.InexactFloat64())))
}

// FormatDate is the date layout used in message bodies.
func FormatDate(t time.Time) string {
	return t.UTC().Format("January 2, 2006")
}
