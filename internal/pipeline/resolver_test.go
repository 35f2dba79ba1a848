package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	ana, err := s.CreateCustomer(ctx, "Ana Pérez López")
	require.NoError(t, err)
	jose, err := s.CreateCustomer(ctx, "José García")
	require.NoError(t, err)

	r := NewResolver(s, DefaultFuzzyThreshold)

	tests := []struct {
		name        string
		raw         string
		wantID      int64
		wantCreated bool
	}{
		{"accents dropped", "Ana Perez Lopez", ana.ID, false},
		{"word order and case", "GARCIA JOSE", jose.ID, false},
		{"punctuation", "García, José.", jose.ID, false},
		{"typo caught by similarity", "Ana Peres Lopez", ana.ID, false},
		{"unknown name", "Marta Ruiz", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, created, err := r.Resolve(ctx, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCreated, created)
			if tt.wantCreated {
				assert.NotEqual(t, ana.ID, got.ID)
				assert.NotEqual(t, jose.ID, got.ID)
				assert.Equal(t, tt.raw, got.Name)
				return
			}
			assert.Equal(t, tt.wantID, got.ID)
		})
	}

	customers, err := s.ListCustomers(ctx)
	require.NoError(t, err)
	assert.Len(t, customers, 3)
}

func TestResolveCreatesOnceThenMatches(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	r := NewResolver(s, 0)

	first, created, err := r.Resolve(ctx, "  Lucía Fernández ")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Lucía Fernández", first.Name)

	again, created, err := r.Resolve(ctx, "FERNANDEZ LUCIA")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestResolveHighThresholdCreates(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, err := s.CreateCustomer(ctx, "Ana Pérez López")
	require.NoError(t, err)

	r := NewResolver(s, 0.99)
	_, created, err := r.Resolve(ctx, "Ana Peres Lopez")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestResolveNameWithoutKeyMatchesExactSpelling(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	r := NewResolver(s, 0)

	first, created, err := r.Resolve(ctx, ".;:")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := r.Resolve(ctx, " .;: ")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}
