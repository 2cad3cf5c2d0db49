package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/postodigital/zapdrip/internal/config"
	"github.com/postodigital/zapdrip/internal/db"
	"github.com/postodigital/zapdrip/internal/phone"
	"github.com/postodigital/zapdrip/internal/repository"
)

var optoutCmd = &cobra.Command{
	Use:   "optout",
	Short: "Opt-out list management commands",
}

var optoutAddCmd = &cobra.Command{
	Use:   "add [phone]",
	Short: "Add a phone to the opt-out list",
	Args:  cobra.ExactArgs(1),
	RunE:  runOptoutAdd,
}

var optoutRemoveCmd = &cobra.Command{
	Use:   "remove [phone]",
	Short: "Remove a phone from the opt-out list",
	Args:  cobra.ExactArgs(1),
	RunE:  runOptoutRemove,
}

var optoutListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all opted-out phones",
	RunE:  runOptoutList,
}

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Marketing consent management commands",
}

var consentAllowCmd = &cobra.Command{
	Use:   "allow [phone]",
	Short: "Record marketing consent for a phone",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsent(true),
}

var consentDenyCmd = &cobra.Command{
	Use:   "deny [phone]",
	Short: "Revoke marketing consent for a phone",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsent(false),
}

var optoutReason string

func init() {
	optoutAddCmd.Flags().StringVar(&optoutReason, "reason", "manual", "Reason for the opt-out")

	optoutCmd.AddCommand(optoutAddCmd)
	optoutCmd.AddCommand(optoutRemoveCmd)
	optoutCmd.AddCommand(optoutListCmd)
	optoutCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/zapdrip/config.yaml", "Path to configuration file")

	consentCmd.AddCommand(consentAllowCmd)
	consentCmd.AddCommand(consentDenyCmd)
	consentCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/zapdrip/config.yaml", "Path to configuration file")
}

func openOptOutRepo() (*repository.OptOutRepository, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	database, err := db.New(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}

	return repository.NewOptOutRepository(database.DB), func() { database.Close() }, nil
}

func canonicalPhone(raw string) (string, error) {
	p, ok := phone.Normalize(raw)
	if !ok {
		return "", fmt.Errorf("invalid phone number: %s", raw)
	}
	return p, nil
}

func runOptoutAdd(cmd *cobra.Command, args []string) error {
	p, err := canonicalPhone(args[0])
	if err != nil {
		return err
	}

	repo, cleanup, err := openOptOutRepo()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := repo.Add(p, optoutReason); err != nil {
		return fmt.Errorf("failed to add opt-out: %w", err)
	}

	fmt.Printf("Phone %s added to the opt-out list\n", p)
	return nil
}

func runOptoutRemove(cmd *cobra.Command, args []string) error {
	p, err := canonicalPhone(args[0])
	if err != nil {
		return err
	}

	repo, cleanup, err := openOptOutRepo()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := repo.Remove(p); err != nil {
		return fmt.Errorf("failed to remove opt-out: %w", err)
	}

	fmt.Printf("Phone %s removed from the opt-out list\n", p)
	return nil
}

func runOptoutList(cmd *cobra.Command, args []string) error {
	repo, cleanup, err := openOptOutRepo()
	if err != nil {
		return err
	}
	defer cleanup()

	phones, err := repo.List()
	if err != nil {
		return err
	}

	if len(phones) == 0 {
		fmt.Println("Opt-out list is empty")
		return nil
	}

	for _, p := range phones {
		fmt.Println(p)
	}
	fmt.Printf("\n%d phone(s) opted out\n", len(phones))
	return nil
}

func runConsent(allowed bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		p, err := canonicalPhone(args[0])
		if err != nil {
			return err
		}

		repo, cleanup, err := openOptOutRepo()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := repo.SetConsent(p, allowed); err != nil {
			return fmt.Errorf("failed to update consent: %w", err)
		}

		if allowed {
			fmt.Printf("Marketing consent recorded for %s\n", p)
		} else {
			fmt.Printf("Marketing consent revoked for %s\n", p)
		}
		return nil
	}
}
