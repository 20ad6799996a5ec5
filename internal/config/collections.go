package config

import (
	"encoding/json"
	"fmt"
	"os"

	"ordinals-bidder/internal/pricing"
	"ordinals-bidder/pkg/types"
)

// LoadCollections reads and validates config/collections.json. Defaults
// from the environment config fill unset per-collection fields, and a
// collection symbol may appear at most once.
func LoadCollections(path string, defaults *Config) ([]types.CollectionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collections: %w", err)
	}

	var collections []types.CollectionConfig
	if err := json.Unmarshal(data, &collections); err != nil {
		return nil, fmt.Errorf("parse collections: %w", err)
	}
	if len(collections) == 0 {
		return nil, fmt.Errorf("collections file %s is empty", path)
	}

	seen := make(map[string]bool, len(collections))
	for i := range collections {
		c := &collections[i]
		if c.CollectionSymbol == "" {
			return nil, fmt.Errorf("collections[%d]: collectionSymbol is required", i)
		}
		if seen[c.CollectionSymbol] {
			return nil, fmt.Errorf("collection %s appears more than once", c.CollectionSymbol)
		}
		seen[c.CollectionSymbol] = true

		if c.ScheduledLoop == 0 {
			c.ScheduledLoop = defaults.DefaultLoop
		}
		if c.OutBidMargin == 0 {
			c.OutBidMargin = defaults.DefaultOutbidMargin
		}
		if c.BidCount == 0 {
			c.BidCount = 1
		}
		if c.Duration == 0 {
			c.Duration = 30
		}

		if err := pricing.ValidateConfig(*c); err != nil {
			return nil, err
		}
	}
	return collections, nil
}

// GroupBindings extracts the collection-to-wallet-group map, enforcing
// that every binding is unique (guaranteed by the duplicate-symbol check
// in LoadCollections).
func GroupBindings(collections []types.CollectionConfig) map[string]string {
	bindings := make(map[string]string)
	for _, c := range collections {
		if c.WalletGroup != "" {
			bindings[c.CollectionSymbol] = c.WalletGroup
		}
	}
	return bindings
}
