package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/channel"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimOut      string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management for the email channel",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a DKIM signing key and print its DNS record",
	RunE:  runDKIMGenerate,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Signing domain (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "herald", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOut, "out", "", "Private key output path (required)")
	dkimGenerateCmd.MarkFlagRequired("domain")
	dkimGenerateCmd.MarkFlagRequired("out")

	dkimCmd.AddCommand(dkimGenerateCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	key, err := channel.GenerateDKIMKey(dkimDomain, dkimSelector)
	if err != nil {
		return err
	}
	if err := key.Save(dkimOut); err != nil {
		return err
	}
	record, err := key.DNSRecord()
	if err != nil {
		return err
	}

	fmt.Printf("Private key written to %s\n\n", dkimOut)
	fmt.Printf("Publish this TXT record:\n  %s\n  %s\n\n", key.DNSName(), record)
	fmt.Println("Then set channels.email.dkim in the config:")
	fmt.Printf("  domain: %s\n  selector: %s\n  key_file: %s\n", dkimDomain, dkimSelector, dkimOut)
	return nil
}
