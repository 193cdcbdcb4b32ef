package htmlpage

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// Selectors maps listing fields to CSS selectors evaluated inside each item.
// Empty field selectors leave the field absent.
type Selectors struct {
	Item       string `mapstructure:"item"`
	Title      string `mapstructure:"title"`
	Price      string `mapstructure:"price"`
	Brand      string `mapstructure:"brand"`
	Size       string `mapstructure:"size"`
	Image      string `mapstructure:"image"`
	Link       string `mapstructure:"link"`
	Condition  string `mapstructure:"condition"`
	Seller     string `mapstructure:"seller"`
	TotalItems string `mapstructure:"total_items"`
	TotalPages string `mapstructure:"total_pages"`
}

// DefaultSelectors match a plain product-card layout using data attributes.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:      "[data-listing]",
		Title:     "[data-title]",
		Price:     "[data-price]",
		Brand:     "[data-brand]",
		Size:      "[data-size]",
		Image:     "img",
		Link:      "a[href]",
		Condition: "[data-condition]",
		Seller:    "[data-seller]",
	}
}

func (s Selectors) withDefaults() Selectors {
	if s.Item == "" {
		return DefaultSelectors()
	}
	return s
}

func (s Selectors) extract(item *goquery.Selection) search.RawListing {
	raw := search.RawListing{
		Title:     firstText(item, s.Title),
		Price:     firstText(item, s.Price),
		Brand:     firstText(item, s.Brand),
		Size:      firstText(item, s.Size),
		Condition: firstText(item, s.Condition),
		Seller:    firstText(item, s.Seller),
		ImageURL:  firstAttr(item, s.Image, "src", "data-src"),
		DetailURL: firstAttr(item, s.Link, "href"),
	}
	raw.ID, _ = item.Attr("data-listing")
	return raw
}

func firstText(scope *goquery.Selection, css string) string {
	if css == "" {
		return ""
	}
	return strings.Join(strings.Fields(scope.Find(css).First().Text()), " ")
}

func firstAttr(scope *goquery.Selection, css string, attrs ...string) string {
	if css == "" {
		return ""
	}
	node := scope.Find(css).First()
	for _, attr := range attrs {
		if v, ok := node.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parseCount reads the first integer in text, ignoring thousands separators:
// "1,234 results" -> 1234.
func parseCount(text string) int {
	var digits strings.Builder
	for _, r := range text {
		switch {
		case unicode.IsDigit(r):
			digits.WriteRune(r)
		case (r == ',' || r == '.' || r == ' ') && digits.Len() > 0:
			continue
		case digits.Len() > 0:
			n, _ := strconv.Atoi(digits.String())
			return n
		}
	}
	n, _ := strconv.Atoi(digits.String())
	return n
}
