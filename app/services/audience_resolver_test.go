package services

import (
	"context"
	"errors"
	"testing"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubContacts struct {
	rows []*models.Contact
	err  error
	rule models.TargetingRule
}

func (s *stubContacts) ListTargetable(_ context.Context, _ uint, rule models.TargetingRule) ([]*models.Contact, error) {
	s.rule = rule
	return s.rows, s.err
}

func TestDBAudienceResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("dedupes and orders by contact id", func(t *testing.T) {
		repo := &stubContacts{rows: []*models.Contact{
			{ID: 3, Phone: "+15550003"},
			{ID: 1, Phone: " +15550001 "},
			{ID: 2, Phone: "+15550001"},
			{ID: 4, Phone: ""},
		}}
		out, err := NewDBAudienceResolver(repo).Resolve(ctx, 1, models.TargetingRule{Type: models.TargetingAll})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "+15550001", out[0].Destination)
		assert.Equal(t, uint(1), *out[0].ContactID)
		assert.Equal(t, "+15550003", out[1].Destination)
	})

	t.Run("empty tag rule resolves nobody", func(t *testing.T) {
		repo := &stubContacts{rows: []*models.Contact{{ID: 1, Phone: "x"}}}
		out, err := NewDBAudienceResolver(repo).Resolve(ctx, 1, models.TargetingRule{Type: models.TargetingTags})
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("tag rule is passed through", func(t *testing.T) {
		repo := &stubContacts{}
		rule := models.TargetingRule{Type: models.TargetingTags, Tags: []string{"vip"}, MatchAll: true}
		_, err := NewDBAudienceResolver(repo).Resolve(ctx, 1, rule)
		require.NoError(t, err)
		assert.Equal(t, rule, repo.rule)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := NewDBAudienceResolver(&stubContacts{}).Resolve(ctx, 1, models.TargetingRule{Type: "geo"})
		assert.Error(t, err)
	})

	t.Run("repository error is wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := NewDBAudienceResolver(&stubContacts{err: boom}).Resolve(ctx, 1, models.TargetingRule{})
		assert.ErrorIs(t, err, boom)
	})
}
