package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
)

// ResolvedRecipient is one deliverable destination of a campaign
type ResolvedRecipient struct {
	ContactID   *uint
	Destination string
}

// AudienceResolver turns a targeting rule into concrete destinations
type AudienceResolver interface {
	Resolve(ctx context.Context, tenantID uint, rule models.TargetingRule) ([]ResolvedRecipient, error)
}

// DBAudienceResolver resolves against the contacts table
type DBAudienceResolver struct {
	contacts repository.ContactRepository
}

func NewDBAudienceResolver(contacts repository.ContactRepository) *DBAudienceResolver {
	return &DBAudienceResolver{contacts: contacts}
}

// Resolve returns de-duplicated destinations ordered by contact id
func (r *DBAudienceResolver) Resolve(ctx context.Context, tenantID uint, rule models.TargetingRule) ([]ResolvedRecipient, error) {
	switch rule.Type {
	case models.TargetingAll, "":
	case models.TargetingTags:
		if len(rule.Tags) == 0 {
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("unsupported targeting type %q", rule.Type)
	}

	contacts, err := r.contacts.ListTargetable(ctx, tenantID, rule)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audience for tenant %d: %w", tenantID, err)
	}

	sort.Slice(contacts, func(i, j int) bool { return contacts[i].ID < contacts[j].ID })

	seen := make(map[string]struct{}, len(contacts))
	out := make([]ResolvedRecipient, 0, len(contacts))
	for _, c := range contacts {
		dest := strings.TrimSpace(c.Phone)
		if dest == "" {
			continue
		}
		if _, dup := seen[dest]; dup {
			continue
		}
		seen[dest] = struct{}{}
		id := c.ID
		out = append(out, ResolvedRecipient{ContactID: &id, Destination: dest})
	}
	return out, nil
}
