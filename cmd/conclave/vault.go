package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/conclavehq/conclave/internal/config"
	"github.com/conclavehq/conclave/internal/store"
	"github.com/conclavehq/conclave/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("vault passphrase is required, set CONCLAVE_VAULT_PASSPHRASE")
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	resolver := vault.NewResolver(vault.New(cfg.Vault.Passphrase), db)

	switch args[0] {
	case "list":
		return vaultList(db)
	case "set":
		return vaultSet(resolver, args[1:])
	case "get":
		return vaultGet(resolver, args[1:])
	case "delete":
		return vaultDelete(db, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: conclave vault <command>

Commands:
  list                                             List secrets (metadata only)
  set <name> --value <str> [--description <text>]  Store a string secret
  set <name> --file <path> [--description <text>]  Store a secret from a file
  get <name>                                       Retrieve and decrypt a secret
  delete <name>                                    Delete a secret

Environment:
  CONCLAVE_VAULT_PASSPHRASE                        Encryption passphrase.
`)
}

func vaultList(db *store.Store) error {
	secrets, err := db.ListSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func vaultSet(resolver *vault.Resolver, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: conclave vault set <name> --value <str> | --file <path>")
	}
	name := args[0]

	var value, description string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--value":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --value")
			}
			i++
			value = args[i]
		case "--file":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --file")
			}
			i++
			data, err := os.ReadFile(args[i])
			if err != nil {
				return fmt.Errorf("read secret file: %w", err)
			}
			value = string(data)
		case "--description":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --description")
			}
			i++
			description = args[i]
		}
	}
	if value == "" {
		return fmt.Errorf("one of --value or --file is required")
	}

	if err := resolver.Set(name, description, value); err != nil {
		return err
	}
	fmt.Printf("Secret %q stored.\n", name)
	return nil
}

func vaultGet(resolver *vault.Resolver, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: conclave vault get <name>")
	}
	value, err := resolver.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func vaultDelete(db *store.Store, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: conclave vault delete <name>")
	}
	if err := db.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted.\n", args[0])
	return nil
}
