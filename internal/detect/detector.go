// Package detect classifies an incoming book record against its last stored
// state and decides which change event, if any, to record.
package detect

import (
	"math"
	"strconv"

	"github.com/JakeFAU/bookwatch/internal/catalog"
)

// Outcome is the classification of one crawled item.
type Outcome string

// Classification outcomes. Removal is a batch-level decision made by the
// orchestrator at end of run, not by Classify.
const (
	OutcomeNew       Outcome = "new"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeModified  Outcome = "modified"
)

// priceEpsilon absorbs float formatting noise; the site quotes two decimals.
const priceEpsilon = 0.005

// Decision carries the outcome plus the single change event to append.
// Event is nil for OutcomeUnchanged. The event's ID and timestamp are left
// for the caller to assign.
type Decision struct {
	Outcome Outcome
	Event   *catalog.ChangeEvent
}

// Classify compares the incoming record (with its precomputed fingerprint)
// against the prior stored state for the same source URL. A nil prior means
// the item has never been seen.
//
// When multiple tracked fields changed in the same crawl, only the highest
// priority one is recorded: price beats availability, which beats every
// other tracked field. At most one event is recorded per item per crawl.
func Classify(incoming catalog.Book, hash string, prior *catalog.Book) Decision {
	if prior == nil {
		return Decision{
			Outcome: OutcomeNew,
			Event: &catalog.ChangeEvent{
				BookURL:  incoming.SourceURL,
				Kind:     catalog.ChangeNewItem,
				NewValue: incoming.Name,
			},
		}
	}

	if hash == prior.ContentHash && prior.Status == catalog.StatusActive {
		return Decision{Outcome: OutcomeUnchanged}
	}

	// A removed book reappearing with an unchanged hash still needs a
	// reactivation event; treat it as an availability transition.
	if hash == prior.ContentHash {
		return Decision{
			Outcome: OutcomeModified,
			Event: &catalog.ChangeEvent{
				BookURL:  incoming.SourceURL,
				Kind:     catalog.ChangeAvailability,
				OldValue: string(catalog.StatusRemoved),
				NewValue: incoming.Availability,
			},
		}
	}

	if math.Abs(incoming.PriceInclTax-prior.PriceInclTax) > priceEpsilon {
		return Decision{
			Outcome: OutcomeModified,
			Event: &catalog.ChangeEvent{
				BookURL:  incoming.SourceURL,
				Kind:     catalog.ChangePrice,
				OldValue: catalog.FormatPrice(prior.PriceInclTax),
				NewValue: catalog.FormatPrice(incoming.PriceInclTax),
			},
		}
	}

	if incoming.Availability != prior.Availability {
		return Decision{
			Outcome: OutcomeModified,
			Event: &catalog.ChangeEvent{
				BookURL:  incoming.SourceURL,
				Kind:     catalog.ChangeAvailability,
				OldValue: prior.Availability,
				NewValue: incoming.Availability,
			},
		}
	}

	if field, oldVal, newVal, ok := firstOtherDiff(incoming, *prior); ok {
		return Decision{
			Outcome: OutcomeModified,
			Event: &catalog.ChangeEvent{
				BookURL:  incoming.SourceURL,
				Kind:     catalog.ChangeField,
				Field:    field,
				OldValue: oldVal,
				NewValue: newVal,
			},
		}
	}

	// Hash differs but no tracked field does. Can only happen if the
	// fingerprint algorithm changed between runs; record it against the
	// hash itself so the mutation is not silently swallowed.
	return Decision{
		Outcome: OutcomeModified,
		Event: &catalog.ChangeEvent{
			BookURL:  incoming.SourceURL,
			Kind:     catalog.ChangeField,
			Field:    "content_hash",
			OldValue: prior.ContentHash,
			NewValue: hash,
		},
	}
}

// firstOtherDiff walks the remaining tracked fields in fixed priority order
// and returns the first difference.
func firstOtherDiff(incoming, prior catalog.Book) (field, oldVal, newVal string, ok bool) {
	if incoming.Name != prior.Name {
		return "name", prior.Name, incoming.Name, true
	}
	if incoming.Category != prior.Category {
		return "category", prior.Category, incoming.Category, true
	}
	if math.Abs(incoming.PriceExclTax-prior.PriceExclTax) > priceEpsilon {
		return "price_excluding_tax", catalog.FormatPrice(prior.PriceExclTax), catalog.FormatPrice(incoming.PriceExclTax), true
	}
	if incoming.Rating != prior.Rating {
		return "rating", string(prior.Rating), string(incoming.Rating), true
	}
	if incoming.NumReviews != prior.NumReviews {
		return "number_of_reviews", strconv.Itoa(prior.NumReviews), strconv.Itoa(incoming.NumReviews), true
	}
	return "", "", "", false
}
