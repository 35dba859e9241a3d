package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidRef           = errors.New("invalid_organization_ref")
	ErrOrganizationNotFound = errors.New("organization_not_found")
)

// Service resolves external organization references to internal
// identities and exposes their billing descriptors.
type Service interface {
	// ResolveByRef maps an external-facing organization reference to the
	// internal organization.
	ResolveByRef(ctx context.Context, externalRef string) (*Organization, error)
	GetByID(ctx context.Context, orgID snowflake.ID) (*Organization, error)
	// GetSubscription returns the tier, billing period and included
	// credit allowance for the organization.
	GetSubscription(ctx context.Context, orgID snowflake.ID) (Subscription, error)
	GetAutoTopUpConfig(ctx context.Context, orgID snowflake.ID) (*AutoTopUpConfig, error)
}
