package coordinator

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// normalizePage maps raw listings onto the canonical schema. Listings that
// cannot be mapped are dropped and reported in the returned errors.
func normalizePage(raw search.RawPage, req search.Request) ([]search.Listing, []error) {
	fallback := search.CurrencyForCountry(req.Country)
	items := make([]search.Listing, 0, len(raw.Items))
	var problems []error
	for i, r := range raw.Items {
		listing, err := normalizeListing(i, r, raw.BaseURL, fallback)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		items = append(items, listing)
	}
	return items, problems
}

func normalizeListing(index int, r search.RawListing, base string, fallback search.Currency) (search.Listing, error) {
	title := collapse(r.Title)
	detail := resolveURL(base, r.DetailURL)
	if title == "" && detail == "" {
		return search.Listing{}, &search.NormalizationError{Index: index, ID: r.ID, Reason: "listing has neither title nor detail url"}
	}
	listing := search.Listing{
		Title:     title,
		Price:     formatPrice(r, fallback),
		Brand:     collapse(r.Brand),
		ImageURL:  resolveURL(base, r.ImageURL),
		DetailURL: detail,
		Condition: collapse(r.Condition),
		Seller:    collapse(r.Seller),
	}
	size := collapse(r.Size)
	// Structured fields win; the description only fills gaps.
	if desc := collapse(r.Description); desc != "" {
		if listing.Condition == "" {
			listing.Condition = conditionFromDescription(desc)
		}
		if listing.Seller == "" {
			listing.Seller = sellerFromDescription(desc)
		}
		if size == "" {
			size = sizeFromDescription(desc)
		}
	}
	if size != "" {
		listing.Size = &size
	}
	return listing, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// formatPrice renders "<symbol><amount with 2 decimals>". A structured amount
// wins over the display string; an unparsable price renders as "".
func formatPrice(r search.RawListing, fallback search.Currency) string {
	currency := fallback
	if c, ok := search.CurrencyForCode(r.Currency); ok {
		currency = c
	}

	amount, ok := 0.0, false
	if r.Amount != nil {
		amount, ok = *r.Amount, true
	} else if r.Price != "" {
		if c, found := search.CurrencyForSymbol(r.Price); found && r.Currency == "" {
			currency = c
		}
		amount, ok = parseAmount(r.Price)
	}
	if !ok || amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ""
	}
	return currency.Symbol + strconv.FormatFloat(amount, 'f', 2, 64)
}

// parseAmount reads a display price such as "£1,180", "€30,50" or
// "1 234.99 zł". When both separators appear the last one is decimal; a lone
// comma is decimal only when one or two digits follow it.
func parseAmount(s string) (float64, bool) {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimRight(b.String(), ".,")
	if digits == "" {
		return 0, false
	}

	lastComma := strings.LastIndexByte(digits, ',')
	lastDot := strings.LastIndexByte(digits, '.')
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			digits = strings.ReplaceAll(digits, ".", "")
			digits = strings.Replace(digits, ",", ".", 1)
		} else {
			digits = strings.ReplaceAll(digits, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(digits, ",") == 1 && len(digits)-lastComma-1 <= 2 {
			digits = strings.Replace(digits, ",", ".", 1)
		} else {
			digits = strings.ReplaceAll(digits, ",", "")
		}
	case strings.Count(digits, ".") > 1:
		digits = strings.ReplaceAll(digits, ".", "")
	}

	v, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// resolveURL makes ref absolute against base. Anything that does not end up
// as an http(s) URL with a host is dropped.
func resolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		b, err := url.Parse(strings.TrimSpace(base))
		if err != nil || !b.IsAbs() {
			return ""
		}
		u = b.ResolveReference(u)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return u.String()
}

// paginate assembles pagination for a scraped page. Upstream totals win; when
// the upstream reports no page count a full page implies one more.
func paginate(req search.Request, raw search.RawPage, kept int) search.Pagination {
	p := search.Pagination{
		CurrentPage:  req.Page,
		ItemsPerPage: req.ItemsPerPage,
		TotalItems:   raw.TotalItems,
		TotalPages:   raw.TotalPages,
	}
	if p.TotalItems <= 0 {
		p.TotalItems = kept
	}
	if p.TotalPages <= 0 {
		switch {
		case raw.TotalItems > 0:
			p.TotalPages = (raw.TotalItems + req.ItemsPerPage - 1) / req.ItemsPerPage
		case len(raw.Items) >= req.ItemsPerPage:
			p.TotalPages = req.Page + 1
		default:
			p.TotalPages = req.Page
		}
	}
	p.HasMore = p.CurrentPage < p.TotalPages
	return p
}
