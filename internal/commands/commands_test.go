package commands_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/auditlog"
	"github.com/cleared-dev/marketledger/internal/commands"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/store/csvstore"
)

func runML(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := commands.NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--dir", dir, "--actor", "tester"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := runML(t, dir, args...)
	require.NoError(t, err, "marketledger %s: %s", strings.Join(args, " "), out)
	return out
}

// newProject initializes a project without git.
func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mustRun(t, dir, "init", "--name", "Test Market", "--no-git")
	return dir
}

// idFrom returns the second word of out, where commands print the new id.
func idFrom(t *testing.T, out string) string {
	t.Helper()
	fields := strings.Fields(out)
	require.GreaterOrEqual(t, len(fields), 2, out)
	return fields[1]
}

func TestInit_CreatesStructure(t *testing.T) {
	dir := newProject(t)

	for _, d := range []string{"data", "logs", "carts", filepath.Join("carts", "processed")} {
		info, err := os.Stat(filepath.Join(dir, d))
		require.NoError(t, err, "directory %s should exist", d)
		assert.True(t, info.IsDir(), "%s should be a directory", d)
	}
	for _, f := range []string{csvstore.AccountsFile, csvstore.TransactionsFile} {
		_, err := os.Stat(filepath.Join(dir, "data", f))
		assert.NoError(t, err, "data file %s should exist", f)
	}

	data, err := os.ReadFile(filepath.Join(dir, "marketledger.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "name: Test Market")
	assert.Contains(t, string(data), "backend: csv")
}

func TestInit_RefusesExistingProject(t *testing.T) {
	dir := newProject(t)
	_, err := runML(t, dir, "init", "--name", "Again", "--no-git")
	assert.ErrorContains(t, err, "already exists")
}

func TestCommand_OutsideProject(t *testing.T) {
	_, err := runML(t, t.TempDir(), "account", "list")
	assert.ErrorContains(t, err, "run init first")
}

func TestInit_GitCommits(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	out := mustRun(t, dir, "init", "--name", "Git Market")
	assert.Contains(t, out, "Initialized marketplace")

	_, err := os.Stat(filepath.Join(dir, ".git"))
	require.NoError(t, err)

	mustRun(t, dir, "account", "create", "--id", "acme", "--name", "Acme")

	log, err := exec.Command("git", "-C", dir, "log", "--format=%s").Output()
	require.NoError(t, err)
	subjects := strings.Split(strings.TrimSpace(string(log)), "\n")
	assert.Equal(t, []string{"account: create Acme", "init: Initialize Git Market"}, subjects)

	entries, err := auditlog.Read(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "create_account", entries[0].Action)
	assert.Equal(t, "tester", entries[0].Actor)
	assert.NotEmpty(t, entries[0].CommitHash)
}

func TestCommand_WaitsForDataDirectory(t *testing.T) {
	dir := newProject(t)
	release, err := csvstore.LockDir(context.Background(), filepath.Join(dir, "data"))
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	cmd := commands.NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--dir", dir, "account", "list"})
	err = cmd.ExecuteContext(ctx)
	assert.ErrorIs(t, err, csvstore.ErrDirLocked)

	gitignore, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(gitignore), "data/.lock")
}

func TestAccount_CreateAndShow(t *testing.T) {
	dir := newProject(t)

	out := mustRun(t, dir, "account", "create", "--id", "acme", "--name", "Acme", "--kind", "business", "--plan", "basic")
	assert.Contains(t, out, "Created account acme (Acme)")

	out = mustRun(t, dir, "account", "show", "acme")
	assert.Contains(t, out, "Acme (acme)")
	assert.Contains(t, out, "basic (plan limits)")
	assert.Contains(t, out, "No transactions.")

	_, err := runML(t, dir, "account", "show", "ghost")
	assert.True(t, apperr.IsNotFound(err))

	_, err = runML(t, dir, "account", "create", "--name", "Bad", "--kind", "corporate")
	assert.True(t, apperr.IsValidation(err))

	entries, err := auditlog.Read(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].CommitHash)
}

func TestBranch_RequiresBusinessParent(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "account", "create", "--id", "solo", "--name", "Solo")
	mustRun(t, dir, "account", "create", "--id", "acme", "--name", "Acme", "--kind", "business", "--plan", "basic")

	_, err := runML(t, dir, "branch", "add", "solo", "--name", "Annex")
	assert.True(t, apperr.IsValidation(err))

	out := mustRun(t, dir, "branch", "add", "acme", "--id", "acme-east", "--name", "East")
	assert.Contains(t, out, "Created branch acme-east (East) under Acme")

	// Branch listings count against the parent's quota.
	mustRun(t, dir, "listing", "add", "--owner", "acme-east", "--title", "Crate", "--price", "10")
	out = mustRun(t, dir, "quota", "acme-east")
	assert.Contains(t, out, "Account: acme")
	assert.Contains(t, out, "1 used, limit 30, 29 left")
}

func TestListing_QuotaEnforced(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "account", "create", "--id", "seller", "--name", "Seller")

	for _, title := range []string{"One", "Two", "Three"} {
		mustRun(t, dir, "listing", "add", "--owner", "seller", "--title", title, "--price", "5")
	}
	_, err := runML(t, dir, "listing", "add", "--owner", "seller", "--title", "Four", "--price", "5")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))

	out := mustRun(t, dir, "quota", "seller")
	assert.Contains(t, out, "3 used, limit 3, 0 left")

	_, err = runML(t, dir, "listing", "add", "--owner", "seller", "--title", "Free", "--price", "abc")
	assert.True(t, apperr.IsValidation(err))
}

func TestPlan_ChangeReconciles(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "account", "create", "--id", "seller", "--name", "Seller")
	mustRun(t, dir, "listing", "add", "--owner", "seller", "--title", "One", "--price", "5")

	out := mustRun(t, dir, "plan", "change", "seller", "basic", "--mode", "direct")
	assert.Contains(t, out, "Seller is now on the basic plan")
	assert.Contains(t, out, "1 used, limit 30, 29 left")

	_, err := runML(t, dir, "plan", "change", "seller", "platinum")
	assert.True(t, apperr.IsValidation(err))

	out = mustRun(t, dir, "plan", "list")
	assert.Contains(t, out, "premium")
	assert.Contains(t, out, "unlimited")
}

func TestDeposit_ManualNeedsApproval(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "account", "create", "--id", "buyer", "--name", "Buyer")

	out := mustRun(t, dir, "deposit", "buyer", "100", "--proof", "slip-1")
	assert.Contains(t, out, "is pending")
	txID := idFrom(t, out)

	out = mustRun(t, dir, "account", "show", "buyer")
	assert.Contains(t, out, "Top-up:   0.00")

	out = mustRun(t, dir, "approve", txID)
	assert.Contains(t, out, "is approved")

	out = mustRun(t, dir, "account", "show", "buyer")
	assert.Contains(t, out, "Top-up:   100.00")

	_, err := runML(t, dir, "reject", txID)
	assert.True(t, apperr.IsState(err))

	out = mustRun(t, dir, "deposit", "buyer", "25", "--method", "instant-electronic")
	assert.Contains(t, out, "is approved")
}

func TestCheckout_CartFile(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "account", "create", "--id", "seller", "--name", "Seller", "--bank-details", "DE89 3704")
	mustRun(t, dir, "account", "create", "--id", "buyer", "--name", "Buyer")
	mustRun(t, dir, "listing", "add", "--id", "lst-desk", "--owner", "seller", "--title", "Desk", "--price", "300")
	mustRun(t, dir, "listing", "add", "--id", "lst-lamp", "--owner", "seller", "--title", "Lamp", "--price", "35")
	mustRun(t, dir, "listing", "add", "--id", "lst-chair", "--owner", "seller", "--title", "Chair", "--price", "150")

	data, err := os.ReadFile(filepath.Join("..", "..", "testdata", "cart.csv"))
	require.NoError(t, err)
	cartPath := filepath.Join(dir, "carts", "cart.csv")
	require.NoError(t, os.WriteFile(cartPath, data, 0o644))

	out := mustRun(t, dir, "checkout", "--buyer", "buyer", "--cart", cartPath, "--keep")
	assert.Contains(t, out, "Checked out cart")
	assert.Contains(t, out, "PLAN_PAYMENT")

	// Saved prices win over current listing prices; the lamp had none saved.
	out = mustRun(t, dir, "account", "show", "seller")
	assert.Contains(t, out, "Wallet:   404.90")

	out = mustRun(t, dir, "quota", "buyer")
	assert.Contains(t, out, "Plan:")
	assert.Contains(t, out, "basic")

	// The same file checks out to the same records.
	mustRun(t, dir, "checkout", "--buyer", "buyer", "--cart", cartPath)
	txs, err := csvstore.New(filepath.Join(dir, "data")).ListTransactions(context.Background())
	require.NoError(t, err)
	assert.Len(t, txs, 7)

	_, err = os.Stat(cartPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(dir, "carts", "processed", "cart.csv"))
	assert.NoError(t, err)

	out = mustRun(t, dir, "account", "show", "seller")
	assert.Contains(t, out, "Wallet:   404.90")

	entries, err := auditlog.Read(dir)
	require.NoError(t, err)
	var checkouts int
	for _, e := range entries {
		if e.Action == "checkout" {
			checkouts++
		}
	}
	assert.Equal(t, 14, checkouts)
}

func TestApprove_ByReference(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "account", "create", "--id", "seller", "--name", "Seller")
	mustRun(t, dir, "account", "create", "--id", "buyer", "--name", "Buyer")
	mustRun(t, dir, "listing", "add", "--id", "lst-desk", "--owner", "seller", "--title", "Desk", "--price", "300")

	cartPath := filepath.Join(dir, "carts", "desk.txt")
	require.NoError(t, os.WriteFile(cartPath, []byte("lst-desk\n"), 0o644))
	mustRun(t, dir, "checkout", "--buyer", "buyer", "--cart", cartPath, "--method", "manual-transfer", "--proof", "wire-7")

	txs, err := csvstore.New(filepath.Join(dir, "data")).ListTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 2)
	ref := txs[0].Reference

	out := mustRun(t, dir, "approve", ref)
	assert.Equal(t, 2, strings.Count(out, "is approved"), out)
	out = mustRun(t, dir, "account", "show", "seller")
	assert.Contains(t, out, "Wallet:   300.00")

	_, err = runML(t, dir, "reject", ref)
	assert.True(t, apperr.IsNotFound(err), "nothing pending under the reference")
}

func TestCheckout_UnknownBuyer(t *testing.T) {
	dir := newProject(t)
	cartPath := filepath.Join(dir, "carts", "plan.txt")
	require.NoError(t, os.WriteFile(cartPath, []byte("plan:basic\n"), 0o644))

	_, err := runML(t, dir, "checkout", "--buyer", "ghost", "--cart", cartPath)
	assert.True(t, apperr.IsNotFound(err))

	_, err = os.Stat(cartPath)
	assert.NoError(t, err, "a failed checkout keeps the cart file")
}

func TestWithdrawal_Lifecycle(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "account", "create", "--id", "seller", "--name", "Seller", "--bank-details", "DE89 3704")
	mustRun(t, dir, "account", "create", "--id", "buyer", "--name", "Buyer")
	mustRun(t, dir, "listing", "add", "--id", "lst-desk", "--owner", "seller", "--title", "Desk", "--price", "250")

	cartPath := filepath.Join(dir, "carts", "desk.txt")
	require.NoError(t, os.WriteFile(cartPath, []byte("lst-desk\n"), 0o644))
	mustRun(t, dir, "checkout", "--buyer", "buyer", "--cart", cartPath)

	out := mustRun(t, dir, "withdraw", "seller", "100")
	assert.Contains(t, out, "is pending")
	wID := idFrom(t, out)

	out = mustRun(t, dir, "withdrawal", "list", "--account", "seller")
	assert.Contains(t, out, wID)
	assert.Contains(t, out, "DE89 3704")

	_, err := runML(t, dir, "withdrawal", "process", wID, "--decision", "maybe")
	assert.True(t, apperr.IsValidation(err))

	out = mustRun(t, dir, "withdrawal", "process", wID, "--decision", "approve")
	assert.Contains(t, out, "is processed")

	out = mustRun(t, dir, "account", "show", "seller")
	assert.Contains(t, out, "Wallet:   150.00")
	assert.Contains(t, out, string(model.CategoryWithdrawal))

	_, err = runML(t, dir, "withdrawal", "process", wID, "--decision", "reject")
	assert.True(t, apperr.IsState(err))

	_, err = runML(t, dir, "withdraw", "buyer", "10")
	assert.True(t, apperr.IsValidation(err), "no bank details on file")
}

func TestMetricsFile(t *testing.T) {
	dir := newProject(t)
	path := filepath.Join(t.TempDir(), "ml.prom")

	mustRun(t, dir, "--metrics-file", path, "account", "create", "--name", "Acme")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "marketledger_store_calls_total")
	assert.Contains(t, string(data), `op="create_account"`)
}
