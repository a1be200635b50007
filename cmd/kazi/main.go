// Kazi — conversational assistant and automation engine for bitable-backed teams.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/config"
)

// runtimeError marks a failure after startup completed. Startup
// failures (bad config, unreachable stores) exit 1; a surface that
// came up and then collapsed exits 2.
type runtimeError struct {
	err error
}

func (e runtimeError) Error() string { return e.err.Error() }
func (e runtimeError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var rerr runtimeError
	if errors.As(err, &rerr) {
		return 2
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi — chat assistant and data automation for Feishu bitables.",
	Long: `Kazi bridges Feishu chat, bitable tables, and LLMs. One binary hosts
three surfaces selected by the ROLE environment variable: the bitable
tool server, the automation worker, and the conversational assistant.`,
	RunE:          runByRole, // ROLE selects the surface.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, workerCmd, assistantCmd, versionCmd)
	_ = godotenv.Load()
}

// runByRole dispatches the default invocation to the surface named by ROLE.
func runByRole(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	switch cfg.Role {
	case config.RoleMCPServer:
		return runServer(cmd, args)
	case config.RoleAutomationWorker:
		return runWorker(cmd, args)
	case config.RoleAssistant:
		return runAssistant(cmd, args)
	default:
		return fmt.Errorf("unknown role %q", cfg.Role)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitCode(err))
	}
}
