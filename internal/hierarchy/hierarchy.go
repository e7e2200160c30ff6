// Package hierarchy resolves the scope of an account (the account plus its
// branches) and attributes listings to scopes.
//
// Attribution is two-tier. A listing whose OwnerID names a known account or
// branch belongs to that owner's scope and nowhere else. Only when OwnerID is
// empty or unknown does the legacy OwnerDisplayName match apply, against the
// account name or any branch name. A name carried by more than one scope
// attributes the listing to none of them, in Owns and ResolveOwner alike.
package hierarchy

import (
	"context"
	"fmt"
	"slices"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/model"
)

// Directory is the read side of the data store the resolver needs.
type Directory interface {
	ListAccounts(ctx context.Context) ([]model.Account, error)
	ListBranches(ctx context.Context) ([]model.Branch, error)
}

// Index is a point-in-time view of accounts and branches.
type Index struct {
	accounts map[string]model.Account
	branches map[string]model.Branch
	children map[string][]model.Branch // parent account id -> branches
	byName   map[string][]string       // account or branch name -> root account ids
}

// NewIndex builds an Index. Branches whose parent is unknown are ignored.
func NewIndex(accounts []model.Account, branches []model.Branch) *Index {
	ix := &Index{
		accounts: make(map[string]model.Account, len(accounts)),
		branches: make(map[string]model.Branch, len(branches)),
		children: make(map[string][]model.Branch),
		byName:   make(map[string][]string),
	}
	for _, a := range accounts {
		ix.accounts[a.ID] = a
		ix.addName(a.Name, a.ID)
	}
	for _, b := range branches {
		if _, ok := ix.accounts[b.ParentAccountID]; !ok {
			continue
		}
		ix.branches[b.ID] = b
		ix.children[b.ParentAccountID] = append(ix.children[b.ParentAccountID], b)
		ix.addName(b.Name, b.ParentAccountID)
	}
	return ix
}

func (ix *Index) addName(name, rootID string) {
	if name == "" || slices.Contains(ix.byName[name], rootID) {
		return
	}
	ix.byName[name] = append(ix.byName[name], rootID)
}

// Known reports whether ownerID is an account or branch id.
func (ix *Index) Known(ownerID string) bool {
	if ownerID == "" {
		return false
	}
	_, isAccount := ix.accounts[ownerID]
	_, isBranch := ix.branches[ownerID]
	return isAccount || isBranch
}

// Account returns the account with id.
func (ix *Index) Account(accountID string) (model.Account, bool) {
	a, ok := ix.accounts[accountID]
	return a, ok
}

// DisplayName returns the name of the account or branch ownerID.
func (ix *Index) DisplayName(ownerID string) string {
	if a, ok := ix.accounts[ownerID]; ok {
		return a.Name
	}
	return ix.branches[ownerID].Name
}

// RootOf maps an account or branch id to the owning account id.
func (ix *Index) RootOf(ownerID string) (string, bool) {
	if _, ok := ix.accounts[ownerID]; ok {
		return ownerID, true
	}
	if b, ok := ix.branches[ownerID]; ok {
		return b.ParentAccountID, true
	}
	return "", false
}

// ScopeOf returns the scope rooted at accountID. A branch id is accepted and
// resolves to its parent's scope, since quotas are pooled account-wide.
func (ix *Index) ScopeOf(ownerID string) (Scope, error) {
	rootID, ok := ix.RootOf(ownerID)
	if !ok {
		return Scope{}, apperr.NotFound("account", ownerID)
	}
	a := ix.accounts[rootID]

	s := Scope{
		AccountID:   a.ID,
		AccountName: a.Name,
		members:     map[string]struct{}{a.ID: {}},
		names:       make(map[string]struct{}),
		index:       ix,
	}
	if a.Name != "" {
		s.names[a.Name] = struct{}{}
	}
	for _, b := range ix.children[a.ID] {
		s.BranchIDs = append(s.BranchIDs, b.ID)
		s.members[b.ID] = struct{}{}
		if b.Name != "" {
			s.BranchNames = append(s.BranchNames, b.Name)
			s.names[b.Name] = struct{}{}
		}
	}
	return s, nil
}

// ResolveOwner returns the account a listing's proceeds belong to. Name
// fallback only resolves when exactly one account scope carries the name.
func (ix *Index) ResolveOwner(l model.Listing) (string, bool) {
	if ix.Known(l.OwnerID) {
		return ix.RootOf(l.OwnerID)
	}
	roots := ix.byName[l.OwnerDisplayName]
	if l.OwnerDisplayName == "" || len(roots) != 1 {
		return "", false
	}
	return roots[0], true
}

// Scope is an account plus its branches.
type Scope struct {
	AccountID   string
	AccountName string
	BranchIDs   []string
	BranchNames []string

	members map[string]struct{}
	names   map[string]struct{}
	index   *Index
}

// IDs returns the account id followed by branch ids.
func (s Scope) IDs() []string {
	return append([]string{s.AccountID}, s.BranchIDs...)
}

// Contains reports whether ownerID is the account or one of its branches.
func (s Scope) Contains(ownerID string) bool {
	_, ok := s.members[ownerID]
	return ok
}

// Owns applies the two-tier attribution rule to l.
func (s Scope) Owns(l model.Listing) bool {
	if s.index != nil && s.index.Known(l.OwnerID) {
		return s.Contains(l.OwnerID)
	}
	if l.OwnerID != "" && s.Contains(l.OwnerID) {
		return true
	}
	name := l.OwnerDisplayName
	if _, ok := s.names[name]; !ok || name == "" {
		return false
	}
	return s.index == nil || len(s.index.byName[name]) == 1
}

// Resolver loads Index snapshots from the data store on demand.
type Resolver struct {
	dir Directory
}

// NewResolver creates a Resolver over dir.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Load reads every account and branch into a fresh Index.
func (r *Resolver) Load(ctx context.Context) (*Index, error) {
	accounts, err := r.dir.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}
	branches, err := r.dir.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading branches: %w", err)
	}
	return NewIndex(accounts, branches), nil
}

// ScopeOf loads the current scope of an account or branch.
func (r *Resolver) ScopeOf(ctx context.Context, ownerID string) (Scope, error) {
	ix, err := r.Load(ctx)
	if err != nil {
		return Scope{}, err
	}
	return ix.ScopeOf(ownerID)
}

// ResolveOwner loads the current index and resolves l's owning account.
func (r *Resolver) ResolveOwner(ctx context.Context, l model.Listing) (string, bool, error) {
	ix, err := r.Load(ctx)
	if err != nil {
		return "", false, err
	}
	rootID, ok := ix.ResolveOwner(l)
	return rootID, ok, nil
}
