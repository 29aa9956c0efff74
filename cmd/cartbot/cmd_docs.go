package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cartbot/internal/store"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage the tenant's grounding documents",
	Long: `Grounding documents are the highest-priority fact source: when a reply
asserts a policy, it must trace back to one of these.`,
}

var docsAddCmd = &cobra.Command{
	Use:   "add <doc-id> <title> <file>",
	Short: "Index one document for the tenant",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("failed to read document: %w", err)
		}

		db, err := store.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.AddDocument(tenantID, args[0], args[1], string(text), time.Now()); err != nil {
			return err
		}
		fmt.Printf("indexed %s (%d bytes) for tenant %s\n", args[0], len(text), tenantID)
		return nil
	},
}

var docsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the tenant's documents the way the retriever does",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer db.Close()

		chunks, err := db.Search(context.Background(), strings.Join(args, " "), tenantID, cfg.Retrieval.TopK)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for _, c := range chunks {
			fmt.Printf("%.2f  %-16s %s\n", c.Score, c.DocID, c.Text)
		}
		return nil
	},
}

func init() {
	docsCmd.AddCommand(docsAddCmd)
	docsCmd.AddCommand(docsSearchCmd)
}
