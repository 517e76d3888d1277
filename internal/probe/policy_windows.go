//go:build windows

package probe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const policyQueryTimeout = 15 * time.Second

func queryExecutionPolicy(ctx context.Context) (string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, policyQueryTimeout)
	defer cancel()

	cmd := exec.CommandContext(queryCtx, "powershell", "-NoProfile", "-Command", "Get-ExecutionPolicy")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("query execution policy: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
