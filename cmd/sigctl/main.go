// Package main はCLIツールのエントリポイント。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
	noColor bool
)

var client *apiClient

var (
	success = color.New(color.FgGreen).SprintFunc()
	warning = color.New(color.FgYellow).SprintFunc()
	failure = color.New(color.FgRed, color.Bold).SprintFunc()
)

func main() {
	_ = godotenv.Load()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, failure("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sigctl",
		Short:         "Encrypted signature vault CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("SIGCTL_API_URL")
			}
			if noColor {
				color.NoColor = true
			}
			client = newAPIClient(apiURL, &http.Client{Timeout: timeout})
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set SIGCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable coloured output")

	// サブコマンド登録
	rootCmd.AddCommand(saveCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sigctl version %s\n", version)
		},
	}
}

// saveCmd は署名画像の暗号化保存コマンド。
func saveCmd() *cobra.Command {
	var file, name string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Encrypt and store a signature image",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}

			body, err := client.save(cmd.Context(), name, data)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", success("Saved"), result.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to the image file (required)")
	cmd.Flags().StringVar(&name, "name", "sig", "Base name for the signature identifier")
	cmd.MarkFlagRequired("file")
	return cmd
}

// getCmd は署名画像の復号取得コマンド。
func getCmd() *cobra.Command {
	var id, out string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Decrypt a signature image and write it to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client.load(cmd.Context(), id)
			if err != nil {
				return err
			}

			if out == "" {
				out = filepath.Base(id)
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return fmt.Errorf("writing image: %w", err)
			}

			if output == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"id":    id,
					"path":  out,
					"bytes": len(data),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s (%d bytes)\n", success("Decrypted"), id, out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Signature identifier (required)")
	cmd.Flags().StringVar(&out, "out", "", "Output path (defaults to the identifier)")
	cmd.MarkFlagRequired("id")
	return cmd
}

// deleteCmd は署名画像の削除コマンド。
func deleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a signature image and its key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.delete(cmd.Context(), id); err != nil {
				return err
			}

			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), "{}")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", success("Deleted"), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Signature identifier (required)")
	cmd.MarkFlagRequired("id")
	return cmd
}

// listCmd は署名画像一覧の取得コマンド。
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored signatures",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := client.list(cmd.Context())
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result struct {
				Signatures []struct {
					ID        string `json:"id"`
					Size      int64  `json:"size"`
					CreatedAt string `json:"created_at"`
				} `json:"signatures"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tSIZE\tCREATED AT")
			for _, s := range result.Signatures {
				fmt.Fprintf(w, "%s\t%d\t%s\n", s.ID, s.Size, s.CreatedAt)
			}
			return w.Flush()
		},
	}
}

// verifyCmd は暗号文と鍵の整合性検査コマンド。不整合がある場合はエラーで終了する。
func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that every signature has a key and every key has a signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, body, err := client.consistency(cmd.Context())
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
			} else {
				printReport(cmd, report)
			}
			if !report.Clean {
				return fmt.Errorf("%d orphaned signature(s), %d orphaned key(s)",
					len(report.BlobsWithoutKeys), len(report.KeysWithoutBlobs))
			}
			return nil
		},
	}
}

func printReport(cmd *cobra.Command, report *consistencyReport) {
	out := cmd.OutOrStdout()
	if report.Clean {
		fmt.Fprintf(out, "%s %d signature(s) checked\n", success("OK"), report.Checked)
		return
	}
	fmt.Fprintf(out, "%s %d signature(s) checked\n", warning("INCONSISTENT"), report.Checked)
	for _, id := range report.BlobsWithoutKeys {
		fmt.Fprintf(out, "  %s %s\n", failure("no key:"), id)
	}
	for _, id := range report.KeysWithoutBlobs {
		fmt.Fprintf(out, "  %s %s\n", failure("no image:"), id)
	}
}
