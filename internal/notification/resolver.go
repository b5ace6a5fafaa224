package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Directory is the read-only view of users, roles and class rosters of a tenant
type Directory interface {
	// ActiveUsers returns every active user of the tenant
	ActiveUsers(ctx context.Context, tenantID string) ([]Recipient, error)
	// UsersByIDs returns the active users among ids; unknown ids are dropped
	UsersByIDs(ctx context.Context, tenantID string, ids []string) ([]Recipient, error)
	// UsersByRoles returns active users holding any of the roles
	UsersByRoles(ctx context.Context, tenantID string, roles []string) ([]Recipient, error)
	// ClassMembers returns users associated with any of the classes, or ErrUnknownClass
	ClassMembers(ctx context.Context, tenantID string, classIDs []string) ([]Recipient, error)
	// Lookup returns contact details for the given ids regardless of active state
	Lookup(ctx context.Context, tenantID string, ids []string) ([]Recipient, error)
}

// Resolver expands target specifications into recipients
type Resolver struct {
	directory Directory
}

// NewResolver creates a new target resolver
func NewResolver(directory Directory) *Resolver {
	return &Resolver{directory: directory}
}

// ValidateTarget checks the shape of a target specification
func ValidateTarget(spec TargetSpec) error {
	return validateTarget(spec, "target", true)
}

func validateTarget(spec TargetSpec, path string, allowCombined bool) error {
	switch spec.Kind {
	case TargetAllUsers, TargetSpecificUsers, TargetRoleBased, TargetClassBased:
	case TargetCombined:
		if !allowCombined {
			return invalid(path, "COMBINED may not be nested")
		}
		for i, sub := range spec.Targets {
			if err := validateTarget(sub, fmt.Sprintf("%s.targets[%d]", path, i), false); err != nil {
				return err
			}
		}
	case "":
		return invalid(path+".kind", "is required")
	default:
		return invalid(path+".kind", "unknown target kind %q", spec.Kind)
	}
	return nil
}

// Resolve expands spec into a deduplicated, id-ordered recipient snapshot
func (r *Resolver) Resolve(ctx context.Context, tenantID string, spec TargetSpec) ([]Recipient, error) {
	if err := ValidateTarget(spec); err != nil {
		return nil, err
	}

	seen := make(map[string]Recipient)
	if err := r.collect(ctx, tenantID, spec, seen); err != nil {
		return nil, err
	}

	recipients := make([]Recipient, 0, len(seen))
	for _, rcpt := range seen {
		recipients = append(recipients, rcpt)
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i].ID < recipients[j].ID })
	return recipients, nil
}

func (r *Resolver) collect(ctx context.Context, tenantID string, spec TargetSpec, seen map[string]Recipient) error {
	var (
		users []Recipient
		err   error
	)

	switch spec.Kind {
	case TargetAllUsers:
		users, err = r.directory.ActiveUsers(ctx, tenantID)
	case TargetSpecificUsers:
		if len(spec.UserIDs) == 0 {
			return nil
		}
		users, err = r.directory.UsersByIDs(ctx, tenantID, spec.UserIDs)
	case TargetRoleBased:
		if len(spec.Roles) == 0 {
			return nil
		}
		users, err = r.directory.UsersByRoles(ctx, tenantID, spec.Roles)
	case TargetClassBased:
		if len(spec.ClassIDs) == 0 {
			return nil
		}
		users, err = r.directory.ClassMembers(ctx, tenantID, spec.ClassIDs)
		if errors.Is(err, ErrUnknownClass) {
			return &ValidationError{Field: "target.class_ids", Reason: err.Error(), Err: err}
		}
	case TargetCombined:
		for _, sub := range spec.Targets {
			if err := r.collect(ctx, tenantID, sub, seen); err != nil {
				return err
			}
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve %s targets: %w", spec.Kind, err)
	}

	for _, u := range users {
		if _, ok := seen[u.ID]; !ok {
			seen[u.ID] = u
		}
	}
	return nil
}
