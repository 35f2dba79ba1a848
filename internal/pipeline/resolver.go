// Package pipeline turns order emails into stored orders and mirrors them to the CRM.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/orderbridge/orderbridge/internal/names"
	"github.com/orderbridge/orderbridge/internal/store"
)

// DefaultFuzzyThreshold is the similarity ratio a fuzzy customer match must reach.
const DefaultFuzzyThreshold = 0.8

// CustomerStore is the customer side of the store used by the resolver.
type CustomerStore interface {
	ListCustomers(ctx context.Context) ([]store.Customer, error)
	CreateCustomer(ctx context.Context, name string) (store.Customer, error)
}

// Resolver maps raw customer names from emails to customer records.
type Resolver struct {
	store     CustomerStore
	threshold float64
}

func NewResolver(s CustomerStore, threshold float64) *Resolver {
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	return &Resolver{store: s, threshold: threshold}
}

// Resolve returns the customer a raw name refers to, creating one when neither an
// exact normalized match nor a fuzzy match exists. created reports the latter.
func (r *Resolver) Resolve(ctx context.Context, rawName string) (customer store.Customer, created bool, err error) {
	key := names.Normalize(rawName)

	customers, err := r.store.ListCustomers(ctx)
	if err != nil {
		return store.Customer{}, false, fmt.Errorf("failed to load customers: %w", err)
	}

	// First customer wins a key; later ones with the same key are unreachable by name.
	byKey := make(map[string]int, len(customers))
	keys := make([]string, 0, len(customers))
	idx := make([]int, 0, len(customers))
	for i, c := range customers {
		k := names.Normalize(c.Name)
		if _, ok := byKey[k]; ok {
			continue
		}
		byKey[k] = i
		keys = append(keys, k)
		idx = append(idx, i)
	}

	if key != "" {
		if i, ok := byKey[key]; ok {
			return customers[i], false, nil
		}
		if best, ratio, ok := names.BestMatch(key, keys, r.threshold); ok {
			match := customers[idx[best]]
			zap.L().Info("customer matched by similarity",
				zap.String("raw_name", rawName),
				zap.String("customer", match.Name),
				zap.Float64("ratio", ratio))
			return match, false, nil
		}
	} else {
		// Names without a key can only match by their exact display spelling.
		display := strings.TrimSpace(rawName)
		for _, c := range customers {
			if c.Name == display {
				return c, false, nil
			}
		}
	}

	c, err := r.store.CreateCustomer(ctx, strings.TrimSpace(rawName))
	if err != nil {
		return store.Customer{}, false, fmt.Errorf("failed to create customer: %w", err)
	}
	zap.L().Info("customer created", zap.Int64("customer_id", c.ID), zap.String("name", c.Name))
	return c, true, nil
}
