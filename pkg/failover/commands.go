package failover

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/poolerr"
)

// ShellCommandRunner runs an operator-configured command through /bin/sh -c
// after substitution expansion, capturing combined output for logging
//.
type ShellCommandRunner struct{}

func (ShellCommandRunner) Run(ctx context.Context, command string, vars SubstitutionVars) error {
	expanded := ExpandCommand(command, vars)
	if strings.TrimSpace(expanded) == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", expanded)
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.WithComponent("failover").Error().Err(err).Str("output", string(output)).Msg("external command failed")
		return fmt.Errorf("%w: external command %q: %v", poolerr.ErrFatal, expanded, err)
	}
	return nil
}
