package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"unichat/internal/client"
)

const accountTimeout = 15 * time.Second

var (
	accountUser     string
	accountPassword string
	accountAPI      string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a gateway account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cl, password, err := accountClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), accountTimeout)
		defer cancel()
		profile, err := cl.Register(ctx, accountUser, password)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s (id %d) with %.2f credits\n", profile.Username, profile.ID, profile.Credits)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and print a bearer token",
	Long: `Logs in and prints the issued token. Pass it to "unichat chat --token"
or store it as client.token in config.json.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cl, password, err := accountClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), accountTimeout)
		defer cancel()
		token, err := cl.Login(ctx, accountUser, password)
		if err != nil {
			return err
		}
		if p, ok := cl.LastProfile(); ok {
			fmt.Fprintf(cmd.ErrOrStderr(), "logged in as %s, %.2f credits\n", p.Username, p.Credits)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{registerCmd, loginCmd} {
		c.Flags().StringVarP(&accountUser, "username", "u", "", "account name")
		c.Flags().StringVarP(&accountPassword, "password", "p", "", "password (read from stdin when empty)")
		c.Flags().StringVar(&accountAPI, "api", "", "REST base url (overrides client.api_base_url)")
		_ = c.MarkFlagRequired("username")
	}
}

func accountClient(cmd *cobra.Command) (*client.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	base := accountAPI
	if base == "" {
		base = cfg.Client.APIBaseURL
	}
	password := accountPassword
	if password == "" {
		fmt.Fprint(cmd.ErrOrStderr(), "password: ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return nil, "", fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimSpace(line)
	}
	if password == "" {
		return nil, "", errors.New("password is required")
	}
	return client.New(base, ""), password, nil
}

// stdinIsTerminal reports whether stdin looks interactive.
func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
