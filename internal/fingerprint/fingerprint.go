// Package fingerprint computes stable content hashes for change detection.
//
// The hash covers only the semantically meaningful subset of a book's
// fields. Raw markup and timestamps change on every crawl and are excluded
// so that a plain re-fetch never registers as a change.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/JakeFAU/bookwatch/internal/catalog"
)

// Compute returns the SHA-256 hex digest of the canonical serialization of
// the tracked field subset: name, category, both prices, availability,
// review count, and rating. Each field is length-prefixed so a separator
// character inside a value cannot shift field boundaries. Deterministic for
// identical values; any change to one tracked field changes the digest.
func Compute(book catalog.Book) string {
	fields := []string{
		book.Name,
		book.Category,
		catalog.FormatPrice(book.PriceInclTax),
		catalog.FormatPrice(book.PriceExclTax),
		book.Availability,
		strconv.Itoa(book.NumReviews),
		string(book.Rating),
	}

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
		b.WriteByte('|')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
