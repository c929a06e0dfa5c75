package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"liquidityVault/internal/api"
)

func runToken(cmd *cobra.Command, _ []string) error {
	secret, _ := cmd.Flags().GetString("jwt-secret")
	address, _ := cmd.Flags().GetString("address")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if secret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	token, err := api.IssueToken(secret, common.HexToAddress(address), ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
