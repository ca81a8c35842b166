package httpapi

import (
	"fmt"
	"strings"

	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

// maxFeedsPerRequest bounds a single request's feeds array.
const maxFeedsPerRequest = 100

func newValidationError(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// validateFeeds checks every entry in refs: uppercase BASE/QUOTE
// matching `^[A-Z]{2,8}/[A-Z]{2,8}$`, category in {1,2,3,4}, at most
// 100 feeds, no duplicates.
func validateFeeds(refs []FeedRef) ([]feed.ID, error) {
	if len(refs) == 0 {
		return nil, newValidationError("feeds must not be empty")
	}
	if len(refs) > maxFeedsPerRequest {
		return nil, newValidationError("at most %d feeds are allowed per request", maxFeedsPerRequest)
	}

	ids := make([]feed.ID, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		category, err := feed.ParseCategory(ref.Category)
		if err != nil {
			return nil, newValidationError("invalid category for feed %q: %v", ref.Name, err)
		}
		id, err := feed.NewID(category, ref.Name)
		if err != nil {
			return nil, newValidationError("%v", err)
		}
		key := id.Key()
		if _, dup := seen[key]; dup {
			return nil, newValidationError("duplicate feed %q in request", strings.ToUpper(ref.Name))
		}
		seen[key] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
