package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fileworks/tessera/pkg/rbac"
	"github.com/fileworks/tessera/pkg/sysconfig"
)

// bootstrapActor is the audit actor for rows written during startup.
const bootstrapActor = "system"

// applySeedFile applies the bootstrap YAML's three sections: system_config
// through the config store, extra permissions and roles through the rbac
// store. Rows that already exist are left untouched, so reruns at every
// boot are safe.
func applySeedFile(ctx context.Context, path string, configStore *sysconfig.Store, rbacStore *rbac.Store) error {
	seed, err := sysconfig.LoadSeedFile(path)
	if err != nil {
		return err
	}

	if err := configStore.ApplySeed(ctx, bootstrapActor, seed); err != nil {
		return err
	}

	for _, sp := range seed.Permissions {
		if err := rbacStore.CreatePermission(ctx, seedPermission(sp)); err != nil {
			if errors.Is(err, rbac.ErrDuplicatePerm) {
				continue
			}
			return fmt.Errorf("failed to seed permission %s: %w", sp.Name, err)
		}
	}

	for _, sr := range seed.Roles {
		role := &rbac.Role{
			Name:         sr.Name,
			Description:  sr.Description,
			Permissions:  sr.Permissions,
			InheritsFrom: sr.InheritsFrom,
		}
		if err := rbacStore.CreateRole(ctx, role); err != nil {
			if errors.Is(err, rbac.ErrDuplicateRole) {
				continue
			}
			return fmt.Errorf("failed to seed role %s: %w", sr.Name, err)
		}
	}

	return nil
}

// applyOverrides applies the overrides file's system_config section once at
// startup; the watcher re-applies it on change.
func applyOverrides(ctx context.Context, path string, configStore *sysconfig.Store) error {
	seed, err := sysconfig.LoadSeedFile(path)
	if err != nil {
		return err
	}
	return configStore.ApplySeed(ctx, bootstrapActor, seed)
}

// seedPermission builds a catalog entry from a seed row. The resource and
// action columns come from splitting the name, which ValidatePermissionName
// in the store guarantees has the resource:action shape.
func seedPermission(sp sysconfig.SeedPermission) *rbac.Permission {
	perm := &rbac.Permission{
		Name:        sp.Name,
		Description: sp.Description,
		Category:    sp.Category,
	}
	if parts := strings.SplitN(sp.Name, ":", 2); len(parts) == 2 {
		perm.Resource = parts[0]
		perm.Action = parts[1]
	}
	if sp.Scope != "" {
		scope := sp.Scope
		perm.Scope = &scope
	}
	return perm
}
