package search

import "strings"

// Currency pairs an ISO code with the symbol used in rendered prices.
type Currency struct {
	Code   string
	Symbol string
}

var (
	gbp = Currency{Code: "GBP", Symbol: "£"}
	eur = Currency{Code: "EUR", Symbol: "€"}
	usd = Currency{Code: "USD", Symbol: "$"}
	pln = Currency{Code: "PLN", Symbol: "zł"}
	czk = Currency{Code: "CZK", Symbol: "Kč"}
)

var currencyByCountry = map[string]Currency{
	"uk": gbp,
	"us": usd,
	"pl": pln,
	"cz": czk,
}

var currencyByCode = map[string]Currency{
	"GBP": gbp,
	"EUR": eur,
	"USD": usd,
	"PLN": pln,
	"CZK": czk,
}

// CurrencyForCountry returns the local currency of a market. Euro is the
// fallback for the remaining supported markets.
func CurrencyForCountry(country string) Currency {
	if c, ok := currencyByCountry[strings.ToLower(country)]; ok {
		return c
	}
	return eur
}

// CurrencyForCode looks up a currency by ISO code.
func CurrencyForCode(code string) (Currency, bool) {
	c, ok := currencyByCode[strings.ToUpper(strings.TrimSpace(code))]
	return c, ok
}

// CurrencyForSymbol finds the currency whose symbol prefixes s.
func CurrencyForSymbol(s string) (Currency, bool) {
	s = strings.TrimSpace(s)
	for _, c := range []Currency{gbp, eur, usd, pln, czk} {
		if strings.HasPrefix(s, c.Symbol) || strings.HasSuffix(s, c.Symbol) {
			return c, true
		}
	}
	return Currency{}, false
}
