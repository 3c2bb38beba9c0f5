// Package scope manages scope definitions, the tracking metadata of their
// tables and the per-node scope infos.
package scope

import (
	"context"
	"errors"
	"fmt"

	"github.com/breez/table-sync/logging"
	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/types"
)

// ProvisionOptions controls Provision.
type ProvisionOptions struct {
	// Overwrite replaces a stored scope whose schema differs instead of
	// failing with a SchemaMismatchError.
	Overwrite bool
}

// Registry provisions scopes on one provider.
type Registry struct {
	provider store.Provider
	logger   logging.Logger
}

func NewRegistry(provider store.Provider) *Registry {
	return &Registry{
		provider: provider,
		logger:   logging.New("scope", logging.NewField("backend", provider.Name())),
	}
}

// GetScope returns the stored scope.
func (r *Registry) GetScope(ctx context.Context, name string) (*types.Scope, error) {
	return r.provider.GetScope(ctx, name)
}

// GetScopeInfo returns the scope info of a node.
func (r *Registry) GetScopeInfo(ctx context.Context, scopeName, nodeID string) (*types.ScopeInfo, error) {
	return r.provider.GetScopeInfo(ctx, scopeName, nodeID)
}

// SaveScopeInfo stores a scope info.
func (r *Registry) SaveScopeInfo(ctx context.Context, info *types.ScopeInfo) error {
	return r.provider.SaveScopeInfo(ctx, info)
}

// Provision creates the tracking metadata of every table of the scope, stores
// the scope and returns the scope info of nodeID, creating it when needed.
// Provisioning an identical scope again returns the existing info.
func (r *Registry) Provision(ctx context.Context, scope *types.Scope, nodeID string, opts ProvisionOptions) (*types.ScopeInfo, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	tables, err := scope.OrderedTables()
	if err != nil {
		return nil, err
	}
	hash := scope.Hash()

	existing, err := r.provider.GetScope(ctx, scope.Name)
	if err != nil && !errors.Is(err, store.ErrScopeNotFound) {
		return nil, err
	}
	replaced := false
	if existing != nil && (existing.Hash() != hash || existing.Version != scope.Version) {
		if !opts.Overwrite {
			return nil, &types.SchemaMismatchError{
				Scope:  scope.Name,
				Reason: fmt.Sprintf("stored scope version %s has a different schema than version %s", existing.Version, scope.Version),
				Local:  existing.Hash(),
				Remote: hash,
			}
		}
		if err := r.dropRemovedTables(ctx, existing, scope); err != nil {
			return nil, err
		}
		replaced = true
	}

	for i := range tables {
		if err := r.provider.ProvisionTable(ctx, &tables[i]); err != nil {
			return nil, fmt.Errorf("provision scope %s: %w", scope.Name, err)
		}
	}
	if err := r.provider.SaveScope(ctx, scope); err != nil {
		return nil, err
	}

	info, err := r.provider.GetScopeInfo(ctx, scope.Name, nodeID)
	if err != nil && !errors.Is(err, store.ErrScopeInfoNotFound) {
		return nil, err
	}
	if info != nil && !replaced && info.SchemaHash == hash && info.SchemaVersion == scope.Version {
		return info, nil
	}

	// a new info has no watermark until its first session commits
	info = &types.ScopeInfo{
		ScopeName:     scope.Name,
		NodeID:        nodeID,
		IsNewScope:    true,
		SchemaVersion: scope.Version,
		SchemaHash:    hash,
	}
	if err := r.provider.SaveScopeInfo(ctx, info); err != nil {
		return nil, err
	}
	r.logger.Infof("provisioned scope %s (%d tables, version %s) for %s", scope.Name, len(tables), scope.Version, nodeID)
	return info, nil
}

func (r *Registry) dropRemovedTables(ctx context.Context, old, updated *types.Scope) error {
	for i := range old.Tables {
		if _, ok := updated.Table(old.Tables[i].Name); ok {
			continue
		}
		if err := r.provider.DeprovisionTable(ctx, &old.Tables[i]); err != nil {
			return fmt.Errorf("deprovision %s: %w", old.Tables[i].Name, err)
		}
	}
	return nil
}

// Deprovision removes the tracking metadata, the stored scope and its scope
// infos. Base rows are kept. Deprovisioning an absent scope is not an error.
func (r *Registry) Deprovision(ctx context.Context, scopeName string) error {
	scope, err := r.provider.GetScope(ctx, scopeName)
	if err != nil && !errors.Is(err, store.ErrScopeNotFound) {
		return err
	}
	if scope != nil {
		for i := range scope.Tables {
			if err := r.provider.DeprovisionTable(ctx, &scope.Tables[i]); err != nil {
				return fmt.Errorf("deprovision %s: %w", scope.Tables[i].Name, err)
			}
		}
	}
	if err := r.provider.DeleteScopeInfos(ctx, scopeName); err != nil {
		return err
	}
	if err := r.provider.DeleteScope(ctx, scopeName); err != nil {
		return err
	}
	r.logger.Infof("deprovisioned scope %s", scopeName)
	return nil
}

// Cleanup removes the tombstones every node of the scope has already
// received and returns how many were removed. Infos that never committed a
// session are ignored: such a node gets a full copy on its next session and
// needs no tombstones.
func (r *Registry) Cleanup(ctx context.Context, scopeName string) (int64, error) {
	scope, err := r.provider.GetScope(ctx, scopeName)
	if err != nil {
		return 0, err
	}
	infos, err := r.provider.ListScopeInfos(ctx, scopeName)
	if err != nil {
		return 0, err
	}
	oldest := int64(-1)
	for _, info := range infos {
		if info.IsNewScope || info.LastSyncWatermark == nil {
			continue
		}
		if w := info.Watermark(); oldest < 0 || w < oldest {
			oldest = w
		}
	}
	if oldest < 0 {
		r.logger.Infof("no committed scope info for %s, nothing to clean up", scopeName)
		return 0, nil
	}

	var total int64
	for i := range scope.Tables {
		n, err := r.provider.CleanupTracking(ctx, &scope.Tables[i], oldest+1)
		if err != nil {
			return total, err
		}
		total += n
	}
	r.logger.Infof("cleaned up %d tombstones of scope %s below sequence %d", total, scopeName, oldest+1)
	return total, nil
}

// CheckSchema returns a SchemaMismatchError when the remote side reports a
// different schema hash or version for the scope.
func CheckSchema(local *types.Scope, remoteHash, remoteVersion string) error {
	if local.Hash() != remoteHash {
		return &types.SchemaMismatchError{
			Scope:  local.Name,
			Reason: fmt.Sprintf("schema of version %s does not match version %s", local.Version, remoteVersion),
			Local:  local.Hash(),
			Remote: remoteHash,
		}
	}
	if local.Version != remoteVersion {
		return &types.SchemaMismatchError{
			Scope:  local.Name,
			Reason: "schema versions differ",
			Local:  local.Version,
			Remote: remoteVersion,
		}
	}
	return nil
}
