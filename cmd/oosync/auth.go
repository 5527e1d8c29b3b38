package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oosync/oosync/internal/edge"
	"github.com/oosync/oosync/internal/hostconfig"
	"github.com/spf13/cobra"
)

var authTokenFlag string

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage edge authentication",
}

// authLoginCmd stores a bearer JWT issued out of band by whatever identity
// provider the edge's Config points at (HS256 shared secret or ES256/JWKS —
// oosync issues no tokens of its own, it only verifies them). The subject
// and expiry are read out of the token without verifying its signature,
// purely to populate the saved credentials for display.
var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save a bearer token for the edge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		token := authTokenFlag
		if token == "" {
			fmt.Print("Token: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			token = strings.TrimSpace(line)
		}
		if token == "" {
			return fmt.Errorf("token required")
		}

		claims := &edge.Claims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return fmt.Errorf("decode token: %w", err)
		}
		userID, _ := claims.GetSubject()
		if userID == "" {
			return fmt.Errorf("token has no subject claim")
		}

		deviceID, err := hostconfig.GetDeviceID()
		if err != nil {
			return fmt.Errorf("get device id: %w", err)
		}

		creds := &hostconfig.AuthCredentials{
			Token:     token,
			UserID:    userID,
			ServerURL: hostconfig.GetServerURL(),
			DeviceID:  deviceID,
		}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			creds.ExpiresAt = exp.Time.Format(time.RFC3339)
		}

		if err := hostconfig.SaveAuth(creds); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}

		fmt.Printf("Logged in as %s\n", userID)
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the saved bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := hostconfig.ClearAuth(); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := hostconfig.LoadAuth()
		if err != nil {
			return fmt.Errorf("load auth: %w", err)
		}
		if creds == nil || creds.Token == "" {
			fmt.Println("Not logged in.")
			return nil
		}

		tokenPrefix := creds.Token
		if len(tokenPrefix) > 12 {
			tokenPrefix = tokenPrefix[:12] + "..."
		}

		fmt.Printf("User:   %s\n", creds.UserID)
		fmt.Printf("Server: %s\n", creds.ServerURL)
		fmt.Printf("Token:  %s\n", tokenPrefix)
		if creds.ExpiresAt != "" {
			fmt.Printf("Expires: %s\n", creds.ExpiresAt)
		}
		return nil
	},
}

func init() {
	authLoginCmd.Flags().StringVar(&authTokenFlag, "token", "", "bearer token (prompted on stdin if omitted)")
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
