package events

import (
	"encoding/json"
	"fmt"

	"github.com/example/provider-matching/internal/models"
)

// DecodeListingUpdate parses and sanity-checks one listing-updates message.
func DecodeListingUpdate(b []byte) (models.ListingUpdate, error) {
	var u models.ListingUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return models.ListingUpdate{}, fmt.Errorf("decode listing update: %w", err)
	}
	if u.Listing.ID <= 0 {
		return models.ListingUpdate{}, fmt.Errorf("listing update without listing id")
	}
	if u.Removed {
		return u, nil
	}
	if u.Listing.ProviderID <= 0 || u.Listing.Category == "" {
		return models.ListingUpdate{}, fmt.Errorf("listing %d: provider and category are required", u.Listing.ID)
	}
	if !u.Listing.Loc.Valid() {
		return models.ListingUpdate{}, fmt.Errorf("listing %d: coordinates out of range", u.Listing.ID)
	}
	if u.Provider.ID == 0 {
		u.Provider.ID = u.Listing.ProviderID
	}
	if u.Provider.ID != u.Listing.ProviderID {
		return models.ListingUpdate{}, fmt.Errorf("listing %d: provider mismatch", u.Listing.ID)
	}
	return u, nil
}
