package memory

import (
	"context"
	"fmt"

	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/types"
)

// GetScope returns the stored scope with the given name.
func (s *Store) GetScope(_ context.Context, name string) (*types.Scope, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblScopes, "id", name)
	if err != nil {
		return nil, fmt.Errorf("find scope %s: %w", name, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", name, store.ErrScopeNotFound)
	}
	scope := *raw.(*scopeRecord).Scope
	return &scope, nil
}

// SaveScope stores or replaces a scope.
func (s *Store) SaveScope(_ context.Context, scope *types.Scope) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	stored := *scope
	if err := txn.Insert(tblScopes, &scopeRecord{Name: scope.Name, Scope: &stored}); err != nil {
		return fmt.Errorf("insert scope %s: %w", scope.Name, err)
	}
	txn.Commit()
	return nil
}

// DeleteScope removes a scope. Removing an absent scope is not an error.
func (s *Store) DeleteScope(_ context.Context, name string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tblScopes, "id", name); err != nil {
		return fmt.Errorf("delete scope %s: %w", name, err)
	}
	txn.Commit()
	return nil
}

// GetScopeInfo returns the info a node has for a scope.
func (s *Store) GetScopeInfo(_ context.Context, scopeName, nodeID string) (*types.ScopeInfo, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblScopeInfos, "id", scopeInfoID(scopeName, nodeID))
	if err != nil {
		return nil, fmt.Errorf("find scope info %s/%s: %w", scopeName, nodeID, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s/%s: %w", scopeName, nodeID, store.ErrScopeInfoNotFound)
	}
	return raw.(*scopeInfoRecord).Info.DeepCopy(), nil
}

// SaveScopeInfo stores or replaces a scope info.
func (s *Store) SaveScopeInfo(_ context.Context, info *types.ScopeInfo) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	record := &scopeInfoRecord{
		ID:        scopeInfoID(info.ScopeName, info.NodeID),
		ScopeName: info.ScopeName,
		NodeID:    info.NodeID,
		Info:      info.DeepCopy(),
	}
	if err := txn.Insert(tblScopeInfos, record); err != nil {
		return fmt.Errorf("insert scope info: %w", err)
	}
	txn.Commit()
	return nil
}

// ListScopeInfos returns every info stored for a scope.
func (s *Store) ListScopeInfos(_ context.Context, scopeName string) ([]*types.ScopeInfo, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(tblScopeInfos, "scope", scopeName)
	if err != nil {
		return nil, fmt.Errorf("fetch scope infos of %s: %w", scopeName, err)
	}
	var infos []*types.ScopeInfo
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		infos = append(infos, raw.(*scopeInfoRecord).Info.DeepCopy())
	}
	return infos, nil
}

// DeleteScopeInfos removes every info of a scope.
func (s *Store) DeleteScopeInfos(_ context.Context, scopeName string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tblScopeInfos, "scope", scopeName); err != nil {
		return fmt.Errorf("delete scope infos of %s: %w", scopeName, err)
	}
	txn.Commit()
	return nil
}
