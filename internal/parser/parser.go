// Package parser extracts structured book records and listing links from
// catalog page markup.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bookwatch/internal/catalog"
)

// ParseBook extracts the fixed field set from a book detail page. Required
// fields (name, price including tax, rating) hard-fail with a ParseError:
// their absence means a broken fetch or a site redesign, and both must
// surface rather than be masked. Optional fields (description, category,
// image) come back as explicit empty values.
func ParseBook(html []byte, sourceURL string) (catalog.Book, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return catalog.Book{}, catalog.NewParseError(sourceURL, "", fmt.Errorf("build document: %w", err))
	}

	name := strings.TrimSpace(doc.Find("div.product_main h1, h1").First().Text())
	if name == "" {
		return catalog.Book{}, catalog.NewParseError(sourceURL, "name", fmt.Errorf("required element missing"))
	}

	description := strings.TrimSpace(doc.Find("#product_description ~ p").First().Text())

	category := ""
	breadcrumbs := doc.Find("ul.breadcrumb a")
	if breadcrumbs.Length() > 0 {
		category = strings.TrimSpace(breadcrumbs.Last().Text())
	}

	table := productTable(doc)

	priceIncl, inclOK, err := parsePriceCell(table, "Price (incl. tax)")
	if err != nil {
		return catalog.Book{}, catalog.NewParseError(sourceURL, "price_including_tax", err)
	}
	priceExcl, exclOK, err := parsePriceCell(table, "Price (excl. tax)")
	if err != nil {
		return catalog.Book{}, catalog.NewParseError(sourceURL, "price_excluding_tax", err)
	}
	switch {
	case !inclOK && !exclOK:
		return catalog.Book{}, catalog.NewParseError(sourceURL, "price_including_tax", fmt.Errorf("required element missing"))
	case !inclOK:
		priceIncl = priceExcl
	case !exclOK:
		priceExcl = priceIncl
	}

	availability := NormalizeAvailability(table["Availability"])

	numReviews := 0
	if raw, ok := table["Number of reviews"]; ok {
		n, convErr := strconv.Atoi(strings.TrimSpace(raw))
		if convErr != nil {
			return catalog.Book{}, catalog.NewParseError(sourceURL, "number_of_reviews", fmt.Errorf("not an integer: %q", raw))
		}
		numReviews = n
	}

	ratingLabel, ok := ratingFromClasses(doc)
	if !ok {
		return catalog.Book{}, catalog.NewParseError(sourceURL, "rating", fmt.Errorf("star-rating element missing"))
	}
	rating, err := catalog.ParseRating(ratingLabel)
	if err != nil {
		return catalog.Book{}, catalog.NewParseError(sourceURL, "rating", err)
	}

	imageURL := ""
	if src, found := doc.Find("#product_gallery img").First().Attr("src"); found {
		imageURL = resolveURL(sourceURL, src)
	}

	return catalog.Book{
		SourceURL:    sourceURL,
		Name:         name,
		Description:  description,
		Category:     category,
		PriceInclTax: priceIncl,
		PriceExclTax: priceExcl,
		Availability: availability,
		NumReviews:   numReviews,
		ImageURL:     imageURL,
		Rating:       rating,
		Status:       catalog.StatusActive,
	}, nil
}

// productTable collects the th/td pairs of the product information table.
func productTable(doc *goquery.Document) map[string]string {
	out := make(map[string]string)
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		key := strings.TrimSpace(row.Find("th").First().Text())
		if key == "" {
			return
		}
		out[key] = strings.TrimSpace(row.Find("td").First().Text())
	})
	return out
}

func parsePriceCell(table map[string]string, key string) (float64, bool, error) {
	raw, ok := table[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(NormalizePrice(raw), 64)
	if err != nil {
		return 0, true, fmt.Errorf("unparseable price %q", raw)
	}
	return v, true, nil
}

func ratingFromClasses(doc *goquery.Document) (string, bool) {
	sel := doc.Find("p.star-rating").First()
	if sel.Length() == 0 {
		return "", false
	}
	classes, _ := sel.Attr("class")
	for _, cls := range strings.Fields(classes) {
		if cls == "star-rating" {
			continue
		}
		return cls, true
	}
	return "", false
}

// NormalizePrice strips currency symbols, mojibake from mis-decoded pound
// signs, and surrounding whitespace.
func NormalizePrice(raw string) string {
	cleaned := strings.NewReplacer("£", "", "€", "", "$", "", "Â", "").Replace(raw)
	return strings.TrimSpace(cleaned)
}

// NormalizeAvailability collapses internal whitespace and drops optional
// trailing punctuation so cosmetic markup noise never reads as a change.
func NormalizeAvailability(raw string) string {
	collapsed := strings.Join(strings.Fields(raw), " ")
	return strings.TrimRight(collapsed, ".")
}

func resolveURL(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
