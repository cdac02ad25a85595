package forge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

////////////////////////////////////////////////////////////////////////////////
// Recipe ledger: every rendered tree is committed for auditability
////////////////////////////////////////////////////////////////////////////////

func ledgerCommitSignature() object.Signature {
	return object.Signature{
		Name:  "Forge Ledger Bot",
		Email: "forge-ledger@example.invalid",
		When:  time.Now().UTC(),
	}
}

func ensureContextAlive(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func openLedgerRepo(dir string) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return repo, nil
}

func ensureLedgerIdentity(repo *gogit.Repository) error {
	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("read ledger config: %w", err)
	}
	cfg.User.Name = "Forge Ledger Bot"
	cfg.User.Email = "forge-ledger@example.invalid"
	setErr := repo.Storer.SetConfig(cfg)
	if setErr != nil {
		return fmt.Errorf("write ledger config: %w", setErr)
	}
	return nil
}

func checkoutLedgerMain(repo *gogit.Repository) error {
	hasCommits, err := ledgerHasCommits(repo)
	if err != nil {
		return err
	}
	if !hasCommits {
		return repo.Storer.SetReference(
			plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branchMain)),
		)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branchMain)
	createErr := wt.Checkout(&gogit.CheckoutOptions{
		Hash:                      plumbing.Hash{},
		Branch:                    branchRef,
		Create:                    true,
		Force:                     true,
		Keep:                      false,
		SparseCheckoutDirectories: nil,
	})
	if createErr == nil {
		return nil
	}
	checkoutErr := wt.Checkout(&gogit.CheckoutOptions{
		Hash:                      plumbing.Hash{},
		Branch:                    branchRef,
		Create:                    false,
		Force:                     true,
		Keep:                      false,
		SparseCheckoutDirectories: nil,
	})
	if checkoutErr == nil {
		return nil
	}
	return fmt.Errorf("checkout %s: %w; fallback failed: %w", branchMain, createErr, checkoutErr)
}

func ledgerHasCommits(repo *gogit.Repository) (bool, error) {
	_, err := repo.Head()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("read head: %w", err)
}

func ensureRecipeLedger(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, dirModePrivateRead); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()
	if err := ensureContextAlive(runCtx); err != nil {
		return err
	}
	gitDir := filepath.Join(dir, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		_, initErr := gogit.PlainInit(dir, false)
		if initErr != nil {
			return fmt.Errorf("initialize ledger: %w", initErr)
		}
	}
	repo, err := openLedgerRepo(dir)
	if err != nil {
		return err
	}
	checkoutErr := checkoutLedgerMain(repo)
	if checkoutErr != nil {
		return checkoutErr
	}
	identityErr := ensureLedgerIdentity(repo)
	if identityErr != nil {
		return identityErr
	}
	return ensureContextAlive(runCtx)
}

// ledgerCommitIfChanged stages the whole recipe tree and commits when
// anything differs from HEAD. Returns whether a commit was created.
func ledgerCommitIfChanged(ctx context.Context, dir, message string) (bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()
	if err := ensureContextAlive(runCtx); err != nil {
		return false, err
	}
	repo, err := openLedgerRepo(dir)
	if err != nil {
		return false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("worktree: %w", err)
	}
	addErr := wt.AddGlob(".")
	if addErr != nil {
		return false, fmt.Errorf("stage changes: %w", addErr)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return false, nil
	}
	signature := ledgerCommitSignature()
	_, err = wt.Commit(message, &gogit.CommitOptions{
		All:               false,
		AllowEmptyCommits: false,
		Author:            &signature,
		Committer:         &signature,
		Parents:           nil,
		SignKey:           nil,
		Signer:            nil,
		Amend:             false,
	})
	if err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, ensureContextAlive(runCtx)
}

func ledgerHeadHash(ctx context.Context, dir string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, ledgerReadTimeout)
	defer cancel()
	if err := ensureContextAlive(runCtx); err != nil {
		return "", err
	}
	repo, err := openLedgerRepo(dir)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read head: %w", err)
	}
	return strings.TrimSpace(head.Hash().String()), nil
}
