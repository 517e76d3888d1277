// Package prompt centralizes user decision points behind a capability
// interface so control flow never depends on how a dialog is rendered and
// tests can substitute deterministic answers.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/charmbracelet/huh"
)

// ErrDeclined marks a clean "did not proceed" outcome. Callers treat it as a
// non-error early exit, distinct from a failure.
var ErrDeclined = errors.New("declined by user")

// Request describes one confirmation decision point.
type Request struct {
	Title   string
	Message string
	// Options are presented in order; the first option is the affirmative
	// action. Two-option requests render as a yes/no confirm.
	Options []string
	// Destructive marks prompts that precede irreversible actions.
	Destructive bool
}

// Confirmer resolves a Request to the selected option. A dismissed dialog
// returns ("", nil); selecting any option returns that option verbatim.
type Confirmer interface {
	Confirm(ctx context.Context, req Request) (string, error)
}

// Accepted reports whether selected is the request's affirmative option.
func (r Request) Accepted(selected string) bool {
	return len(r.Options) > 0 && selected == r.Options[0]
}

// HuhConfirmer renders requests as interactive terminal forms.
type HuhConfirmer struct{}

// Confirm implements Confirmer.
func (HuhConfirmer) Confirm(ctx context.Context, req Request) (string, error) {
	if len(req.Options) == 0 {
		return "", errors.New("confirm request needs at least one option")
	}

	if len(req.Options) == 2 {
		accepted := false
		confirm := huh.NewConfirm().
			Title(req.Title).
			Description(req.Message).
			Affirmative(req.Options[0]).
			Negative(req.Options[1]).
			Value(&accepted)
		if err := huh.NewForm(huh.NewGroup(confirm)).RunWithContext(ctx); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return "", nil
			}
			return "", fmt.Errorf("run confirm form: %w", err)
		}
		if accepted {
			return req.Options[0], nil
		}
		return req.Options[1], nil
	}

	selected := ""
	sel := huh.NewSelect[string]().
		Title(req.Title).
		Description(req.Message).
		Options(huh.NewOptions(req.Options...)...).
		Value(&selected)
	if err := huh.NewForm(huh.NewGroup(sel)).RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", nil
		}
		return "", fmt.Errorf("run select form: %w", err)
	}
	return selected, nil
}

// OpenURL opens the given URL in the platform browser. Used for the
// remediation "open setup docs" action.
func OpenURL(url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("url must not be empty")
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open %q: %w", url, err)
	}
	return nil
}
