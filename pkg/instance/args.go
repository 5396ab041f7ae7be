package instance

import (
	"fmt"
	"strconv"

	"github.com/kballard/go-shellquote"
)

// NodeArgs projects a LaunchNodeSpec into the anvil command line.
func NodeArgs(spec LaunchNodeSpec) []string {
	args := []string{
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(NodePort),
		"--accounts", strconv.Itoa(spec.AccountCount()),
		"--balance", strconv.Itoa(spec.BalanceEther()),
		"--mnemonic", spec.EffectiveMnemonic(),
		"--derivation-path", spec.EffectiveDerivationPath(),
	}
	if spec.ForkURL != "" {
		args = append(args, "--fork-url", spec.ForkURL)
	}
	return args
}

// NodeCommand builds the supervisor loop the node container runs under
// `sh -c`. A crashing node restarts in place after one second.
func NodeCommand(spec LaunchNodeSpec) string {
	return fmt.Sprintf("while true; do anvil %s; sleep 1; done;", shellquote.Join(NodeArgs(spec)...))
}
