package parser

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bookwatch/internal/catalog"
)

// ParseListing extracts the book detail URLs from one catalog listing page
// plus the next pagination target. NextURL is empty on the last page. A
// listing page with no product links at all is treated as structural
// breakage, not an empty catalog.
func ParseListing(html []byte, pageURL string) (catalog.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return catalog.Listing{}, catalog.NewParseError(pageURL, "", fmt.Errorf("build document: %w", err))
	}

	var listing catalog.Listing
	doc.Find("article.product_pod h3 a").Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return
		}
		listing.ItemURLs = append(listing.ItemURLs, resolveURL(pageURL, href))
	})

	if len(listing.ItemURLs) == 0 {
		return catalog.Listing{}, catalog.NewParseError(pageURL, "product_pod", fmt.Errorf("no product links found"))
	}

	if href, ok := doc.Find("li.next a").First().Attr("href"); ok && href != "" {
		listing.NextURL = resolveURL(pageURL, href)
	}

	return listing, nil
}
