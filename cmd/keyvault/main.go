package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "keyvault",
	Short: "keyvault CLI",
	Long:  "A CLI for managing secrets, policies, and identities in keyvault.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(kvCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(auditCmd())
}

// --- login ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <name>",
		Short: "Log in and save the issued token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				fmt.Print("Password: ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				password = strings.TrimSpace(scanner.Text())
			}
			client := newClient()
			result, err := client.post("/v1/auth/login", map[string]any{
				"name":     args[0],
				"password": password,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if auth, ok := result["auth"].(map[string]any); ok {
				if tok, ok := auth["token"].(string); ok {
					cfg.Token = tok
					if err := saveConfig(); err == nil {
						fmt.Fprintln(os.Stderr, "Token saved to config.")
					}
				}
				printResult(auth)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("password", "", "Password (prompted if omitted)")
	return cmd
}

// --- kv ---

func kvCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "kv", Short: "Interact with versioned secrets"}

	putCmd := &cobra.Command{
		Use:   "put <path/key> <value>",
		Short: "Create a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"value": args[1]}
			if meta := metadataFlag(cmd); meta != nil {
				body["metadata"] = meta
			}
			client := newClient()
			result, err := client.post("/v1/secret/data/"+args[0], body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	putCmd.Flags().StringSlice("metadata", nil, "Metadata entries as key=value")

	updateCmd := &cobra.Command{
		Use:   "update <path/key> <value>",
		Short: "Write a new version of an existing secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"value": args[1]}
			if meta := metadataFlag(cmd); meta != nil {
				body["metadata"] = meta
			}
			client := newClient()
			result, err := client.put("/v1/secret/data/"+args[0], body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	updateCmd.Flags().StringSlice("metadata", nil, "Metadata entries as key=value")

	getCmd := &cobra.Command{
		Use:   "get <path/key>",
		Short: "Read a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, _ := cmd.Flags().GetString("version")
			path := "/v1/secret/data/" + args[0]
			if version != "" {
				path += "?version=" + url.QueryEscape(version)
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	getCmd.Flags().String("version", "", "Version to read (default: live latest)")

	deleteCmd := &cobra.Command{
		Use:   "delete <path/key>",
		Short: "Soft-delete a secret (all versions, or one with --version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, _ := cmd.Flags().GetString("version")
			path := "/v1/secret/data/" + args[0]
			if version != "" {
				path += "?version=" + url.QueryEscape(version)
			}
			client := newClient()
			if err := client.delete(path); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Secret deleted.")
			return nil
		},
	}
	deleteCmd.Flags().String("version", "", "Delete only this version")

	restoreCmd := &cobra.Command{
		Use:   "restore <path/key>",
		Short: "Restore a soft-deleted version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, _ := cmd.Flags().GetInt("version")
			client := newClient()
			result, err := client.post("/v1/secret/restore/"+args[0], map[string]any{"version": version})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	restoreCmd.Flags().Int("version", 0, "Version to restore (required)")
	restoreCmd.MarkFlagRequired("version") //nolint:errcheck

	listCmd := &cobra.Command{
		Use:   "list <path>",
		Short: "List secrets under a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recursive, _ := cmd.Flags().GetBool("recursive")
			path := "/v1/secret/metadata/" + args[0] + "?list=true"
			if recursive {
				path += "&recursive=true"
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			if d, ok := result["data"].(map[string]any); ok {
				if keys, ok := d["keys"].([]any); ok {
					for _, k := range keys {
						fmt.Println(k)
					}
					return nil
				}
			}
			printResult(result)
			return nil
		},
	}
	listCmd.Flags().Bool("recursive", false, "Include all descendant paths")

	versionsCmd := &cobra.Command{
		Use:   "versions <path/key>",
		Short: "Show the version history of a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, _ := cmd.Flags().GetInt("start")
			end, _ := cmd.Flags().GetInt("end")
			path := "/v1/secret/versions/" + args[0]
			if start > 0 || end > 0 {
				path += fmt.Sprintf("?start=%d&end=%d", start, end)
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	versionsCmd.Flags().Int("start", 0, "Lowest version to include")
	versionsCmd.Flags().Int("end", 0, "Highest version to include")

	metaCmd := &cobra.Command{
		Use:   "metadata <path/key>",
		Short: "Show version statistics for a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/secret/metadata/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(putCmd, updateCmd, getCmd, deleteCmd, restoreCmd, listCmd, versionsCmd, metaCmd)
	return cmd
}

// --- policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage policies"}

	writeCmd := &cobra.Command{
		Use:   "write <name> <file>",
		Short: "Write a policy from a JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				printError(err.Error())
				return nil
			}
			var body map[string]any
			if err := json.Unmarshal(data, &body); err != nil {
				printError(err.Error())
				return nil
			}
			client := newClient()
			if _, err := client.post("/v1/sys/policy/"+args[0], body); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Uploaded policy: " + args[0])
			return nil
		},
	}

	readCmd := &cobra.Command{
		Use:   "read <name>",
		Short: "Read a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/sys/policy/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if err := client.delete("/v1/sys/policy/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Deleted policy: " + args[0])
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/sys/policy")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if d, ok := result["data"].(map[string]any); ok {
				if policies, ok := d["policies"].([]any); ok {
					for _, p := range policies {
						fmt.Println(p)
					}
					return nil
				}
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(writeCmd, readCmd, deleteCmd, listCmd)
	return cmd
}

// --- identity ---

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Manage identities"}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, _ := cmd.Flags().GetString("password")
			typ, _ := cmd.Flags().GetString("type")
			policies, _ := cmd.Flags().GetStringSlice("policies")
			client := newClient()
			result, err := client.post("/v1/sys/identity", map[string]any{
				"name":     args[0],
				"password": password,
				"type":     typ,
				"policies": policies,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	createCmd.Flags().String("password", "", "Initial password")
	createCmd.Flags().String("type", "user", "Identity type: user or service")
	createCmd.Flags().StringSlice("policies", nil, "Policies to attach")
	createCmd.MarkFlagRequired("password") //nolint:errcheck

	readCmd := &cobra.Command{
		Use:   "read <name>",
		Short: "Read an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/sys/identity/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Update an identity's policies or enabled flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("policies") {
				policies, _ := cmd.Flags().GetStringSlice("policies")
				body["policies"] = policies
			}
			if cmd.Flags().Changed("enabled") {
				enabled, _ := cmd.Flags().GetBool("enabled")
				body["enabled"] = enabled
			}
			client := newClient()
			result, err := client.put("/v1/sys/identity/"+args[0], body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	updateCmd.Flags().StringSlice("policies", nil, "Replacement policy list")
	updateCmd.Flags().Bool("enabled", true, "Enable or disable the identity")

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if err := client.delete("/v1/sys/identity/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Deleted identity: " + args[0])
			return nil
		},
	}

	cmd.AddCommand(createCmd, readCmd, updateCmd, deleteCmd)
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Token management"}

	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up the current token",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/auth/token/lookup-self")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke [id]",
		Short: "Revoke a token (your own if no id given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if len(args) > 0 {
				body["id"] = args[0]
			}
			client := newClient()
			if _, err := client.post("/v1/auth/token/revoke", body); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Token revoked.")
			return nil
		},
	}

	cmd.AddCommand(lookupCmd, revokeCmd)
	return cmd
}

// --- status / audit ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show replication status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/sys/replication/status")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			limit, _ := cmd.Flags().GetInt("limit")
			q := fmt.Sprintf("/v1/sys/audit-log?limit=%d", limit)
			if path != "" {
				q += "&path=" + url.QueryEscape(path)
			}
			client := newClient()
			result, err := client.get(q)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	cmd.Flags().String("path", "", "Filter by request path prefix")
	cmd.Flags().Int("limit", 50, "Maximum entries to return")
	return cmd
}

// helpers

// printData unwraps the API's {"data": ...} envelope before printing.
func printData(result map[string]any) {
	if d, ok := result["data"].(map[string]any); ok {
		printResult(d)
		return
	}
	printResult(result)
}

// metadataFlag collects repeated key=value metadata entries.
func metadataFlag(cmd *cobra.Command) map[string]any {
	pairs, _ := cmd.Flags().GetStringSlice("metadata")
	if len(pairs) == 0 {
		return nil
	}
	meta := map[string]any{}
	for _, kv := range pairs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			meta[parts[0]] = parts[1]
		}
	}
	return meta
}
