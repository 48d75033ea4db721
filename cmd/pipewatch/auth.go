package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/pipewatch/internal/auth"
)

// createAuthCommand creates the auth subcommand group
func createAuthCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage API credentials",
	}
	cmd.AddCommand(createAuthHashCommand(), createAuthLoginCommand(globalFlags))
	return cmd
}

func createAuthHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [password]",
		Short: "Print the bcrypt hash of a password for server.auth.users",
		Long: `Print the bcrypt hash to paste into a password_hash entry. Without an
argument the password is read from the first line of stdin.

Examples:
  pipewatch auth hash 's3cret'
  echo 's3cret' | pipewatch auth hash`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) > 0 {
				password = args[0]
			} else {
				sc := bufio.NewScanner(cmd.InOrStdin())
				if sc.Scan() {
					password = strings.TrimRight(sc.Text(), "\r")
				}
				if err := sc.Err(); err != nil {
					return err
				}
			}
			h, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
}

func createAuthLoginCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Exchange --username and --password for a bearer token",
		Long: `Log in to a running server and print a bearer token. Pass it to later
commands with --token or PIPEWATCH_TOKEN.

Examples:
  export PIPEWATCH_TOKEN=$(pipewatch auth login --username=ops --password=...)
  pipewatch auth login --username=ops -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalFlags.Username == "" {
				return errors.New("--username is required")
			}
			if err := validateOutput(globalFlags.Output); err != nil {
				return err
			}
			flags := *globalFlags
			flags.Token = ""
			c := newAPIClient(&flags)
			tok, err := c.Login(cmd.Context(), globalFlags.Username, globalFlags.Password)
			if err != nil {
				return err
			}
			if globalFlags.Output != outputTable {
				return printStructured(cmd.OutOrStdout(), globalFlags.Output, tok)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			return err
		},
	}
}
