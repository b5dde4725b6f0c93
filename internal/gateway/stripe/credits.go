package stripe

import (
	"fmt"
	"strconv"
)

// MaxCreditsPerSession bounds the credits a single checkout session may grant.
const MaxCreditsPerSession int64 = 1_000_000

// CreditsGranted sums the credits bought across line items. Each item grants
// its "credits" metadata times quantity; price metadata wins over product
// metadata. Items without a positive credit count contribute nothing.
// A total above MaxCreditsPerSession is rejected with ErrInvalidCredits.
func CreditsGranted(items []LineItem) (int64, error) {
	var total int64
	for _, item := range items {
		perUnit := creditsPerUnit(item.PriceMetadata)
		if perUnit <= 0 {
			perUnit = creditsPerUnit(item.ProductMetadata)
		}
		if perUnit <= 0 {
			continue
		}
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		if perUnit > MaxCreditsPerSession || quantity > MaxCreditsPerSession/perUnit {
			return 0, fmt.Errorf("%w: line item %s grants %d x %d", ErrInvalidCredits, item.ID, perUnit, quantity)
		}
		total += perUnit * quantity
		if total > MaxCreditsPerSession {
			return 0, fmt.Errorf("%w: session total exceeds %d", ErrInvalidCredits, MaxCreditsPerSession)
		}
	}
	return total, nil
}

func creditsPerUnit(metadata map[string]string) int64 {
	raw, ok := metadata[metadataCredits]
	if !ok {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}
