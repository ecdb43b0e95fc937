package commands

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/empirion-ai/empirion/pkg/empirion/auth"
)

// newTokenCmd creates the `empirion token` command that issues a client
// token for jwt auth mode.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a signed client token",
		Long: `Issues a JWT for the given user id, signed with the gateway's
secret. Only meaningful in jwt auth mode.

Examples:
  empirion token alice
  empirion token alice --ttl 720h`,
		Args: cobra.ExactArgs(1),
		RunE: runToken,
	}
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg := resolveConfigOrDefault(cmd)
	authenticator, err := auth.New(cfg.Auth, newLogger(cmd, cfg))
	if err != nil {
		return err
	}
	issuer, ok := authenticator.(*auth.JWTAuthenticator)
	if !ok {
		return fmt.Errorf("token issuance requires auth.mode jwt")
	}

	ttl, _ := cmd.Flags().GetDuration("ttl")
	token, err := issuer.IssueToken(args[0], jwt.MapClaims{
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
