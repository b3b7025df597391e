package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"reprolock/internal/fsys"
	"reprolock/internal/lock"
)

type bundleReport struct {
	Bundle string `json:"bundle"`
	Schema string `json:"schema"`
	Digest string `json:"digest"`
	Files  int    `json:"files"`
	Signed bool   `json:"signed"`
}

func (a *App) bundleCommand() *cobra.Command {
	var requireSig bool
	check := &cobra.Command{
		Use:   "check <bundle>",
		Short: "Validate a bundle and, with a signing secret, its detached signature",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBundleCheck(args[0], requireSig)
		},
	}
	check.Flags().BoolVar(&requireSig, "require-signature", false, "Fail when the bundle has no signature")

	sign := &cobra.Command{
		Use:   "sign <bundle>",
		Short: "Write <bundle>.sig using the configured signing secret",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBundleSign(args[0])
		},
	}

	return group("bundle", "Inspect and sign bundle manifests", check, sign)
}

func readBundle(p string) ([]byte, *lock.Bundle, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, nil, fmt.Errorf("read bundle: %w", err)
	}
	b, err := lock.ParseBundle(data)
	if err != nil {
		return nil, nil, fmt.Errorf("bundle %s: %w", p, err)
	}
	return data, b, nil
}

func (a *App) runBundleCheck(p string, requireSig bool) error {
	data, b, err := readBundle(p)
	if err != nil {
		return err
	}
	signed := false
	sig, err := os.ReadFile(p + lock.SigSuffix)
	switch {
	case err == nil:
		if a.secret() == nil {
			return invalidInvocationf("bundle check: %s is signed but no signing secret is configured", p)
		}
		if err := lock.VerifySignature(data, sig, a.secret()); err != nil {
			return fmt.Errorf("bundle %s: %w", p, err)
		}
		signed = true
	case errors.Is(err, fs.ErrNotExist):
		if requireSig {
			return fmt.Errorf("bundle %s: %w: no %s file", p, lock.ErrBadSignature, lock.SigSuffix)
		}
	default:
		return err
	}

	d, err := b.Digest()
	if err != nil {
		return err
	}
	return a.report(bundleReport{Bundle: p, Schema: b.Schema, Digest: d, Files: len(b.Files), Signed: signed})
}

func (a *App) runBundleSign(p string) error {
	secret := a.secret()
	if secret == nil {
		return invalidInvocationf("bundle sign: no signing secret; set signing.secret or REPROLOCK_SIGNING_SECRET")
	}
	data, b, err := readBundle(p)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	if err := fsys.OS(filepath.Dir(abs)).WriteAtomic(filepath.Base(abs)+lock.SigSuffix, lock.Sign(data, secret), 0o644); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}
	d, err := b.Digest()
	if err != nil {
		return err
	}
	a.log.Info("bundle signed", "path", p, "sha256", d)
	return a.report(bundleReport{Bundle: p, Schema: b.Schema, Digest: d, Files: len(b.Files), Signed: true})
}
