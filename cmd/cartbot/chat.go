package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"cartbot/internal/budget"
	"cartbot/internal/checkout"
	"cartbot/internal/config"
	"cartbot/internal/engine"
	"cartbot/internal/grounding"
	"cartbot/internal/intent"
	"cartbot/internal/provider"
	"cartbot/internal/refstore"
	"cartbot/internal/retrieval"
	"cartbot/internal/router"
	"cartbot/internal/store"
	"cartbot/internal/tenant"
	"cartbot/internal/types"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat demo against a seeded in-memory shop",
	Long: `Starts the full pipeline with an in-memory tenant backend and a seeded
demo catalog. Type messages as the customer would; the checkout flow runs
end to end.

Commands inside the chat:
  /pay confirmed [cents]   simulate the gateway confirming the pending payment
  /pay failed              simulate a failed payment
  /quit                    exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

// consoleRenderer prints bot actions to stdout and signals the REPL that a
// reply landed.
type consoleRenderer struct {
	rendered chan struct{}
}

func (r *consoleRenderer) Render(_ context.Context, _ string, action types.BotAction) error {
	fmt.Printf("\nbot> %s\n", action.Text)
	select {
	case r.rendered <- struct{}{}:
	default:
	}
	return nil
}

func seedDemoTenant(mem *tenant.Memory, db *store.Store) {
	mem.SeedCatalog(tenantID, []types.Item{
		{ID: "sku-shoes", Title: "Red Shoes", PriceCents: 1500, Stock: 10},
		{ID: "sku-hat", Title: "Blue Hat", PriceCents: 900, Stock: 5},
		{ID: "sku-scarf", Title: "Wool Scarf", PriceCents: 1200, Stock: 0},
	})
	mem.SeedPaymentMethods(tenantID, []string{"cod", "bank_transfer"})
	now := time.Now()
	db.AddDocument(tenantID, "doc-returns", "Returns",
		"Items can be returned within 30 days of delivery for a full refund.", now)
	db.AddDocument(tenantID, "doc-shipping", "Shipping",
		"We ship nationwide within 2 business days.", now)
}

// buildEngine assembles the full pipeline over the given backends.
func buildEngine(cfg *config.Config, db *store.Store, mem *tenant.Memory, renderer tenant.Renderer) (*engine.Engine, error) {
	audit := store.NewAudit(db)

	tracker, err := budget.NewTracker(cfg.DataDir, cfg.Budget)
	if err != nil {
		return nil, err
	}

	// Providers without credentials are left out; with none configured the
	// classifier runs rule-only.
	usable := cfg.Providers
	usable.Configured = nil
	for _, pc := range cfg.Providers.Configured {
		if pc.APIKey != "" || pc.Name == "stub" {
			usable.Configured = append(usable.Configured, pc)
		}
	}
	var model intent.ModelCaller
	if len(usable.Configured) > 0 {
		clients, err := provider.BuildClients(usable)
		if err != nil {
			return nil, err
		}
		model = provider.NewRouter(usable, clients, tracker, audit)
	}

	keywords := intent.NewKeywordStore()
	if path := cfg.Intent.KeywordTablePath; path != "" {
		if cfg.Intent.HotReload {
			// The watcher loads the table once, then hot-swaps on edits.
			watcher, err := intent.NewTableWatcher(path, keywords)
			if err != nil {
				return nil, fmt.Errorf("keyword table watcher: %w", err)
			}
			if err := watcher.Start(context.Background()); err != nil {
				return nil, fmt.Errorf("keyword table watcher: %w", err)
			}
		} else {
			table, err := intent.LoadFile(path)
			if err != nil {
				return nil, fmt.Errorf("keyword table: %w", err)
			}
			keywords.Swap(table)
		}
	}

	rt, err := router.New(router.Config{
		ConfidenceThreshold: cfg.Intent.ConfidenceThreshold,
		MaxClarifications:   cfg.Intent.MaxClarifications,
	})
	if err != nil {
		return nil, err
	}

	synth := retrieval.New(
		retrieval.Config{
			TopK:     cfg.Retrieval.TopK,
			MinScore: cfg.Retrieval.MinScore,
			Timeout:  cfg.RetrievalTimeout(),
		},
		retrieval.NewDocSource(db),
		retrieval.NewDBSource(mem),
	)

	return engine.New(engine.Deps{
		Config: cfg,
		Store:  db,
		Refs:   refstore.New(cfg.ReferenceTTL(), cfg.IdleThreshold()),
		Classifier: intent.New(keywords, model, intent.Config{
			ConfidenceThreshold: cfg.Intent.ConfidenceThreshold,
		}),
		Router: rt,
		FSM: checkout.New(checkout.Config{
			MaxQuantity: cfg.Checkout.MaxQuantity,
			MessageCap:  cfg.Checkout.MessageCap,
			IdleTimeout: cfg.CheckoutIdleTimeout(),
		}),
		Validator: grounding.New(grounding.Config{
			EchoSimilarity:     cfg.Grounding.EchoSimilarity,
			SentenceCap:        cfg.Grounding.SentenceCap,
			DisclaimerPatterns: cfg.Grounding.DisclaimerPatterns,
		}),
		Synth:    synth,
		Data:     tenant.DataAccess{Catalog: mem, Orders: mem, Payments: mem},
		Renderer: renderer,
		Audit:    audit,
	})
}

func runChat() error {
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	mem := tenant.NewMemory()
	seedDemoTenant(mem, db)

	renderer := &consoleRenderer{rendered: make(chan struct{}, 16)}
	e, err := buildEngine(cfg, db, mem, renderer)
	if err != nil {
		return err
	}
	e.Start()
	defer e.Stop()

	convID := "demo-" + uuid.NewString()[:8]
	fmt.Printf("cartbot chat demo (tenant %s, conversation %s)\n", tenantID, convID)
	fmt.Println(`Try "show me your products". /pay simulates the gateway, /quit exits.`)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case strings.HasPrefix(line, "/pay"):
			if err := simulateCallback(e, db, convID, line); err != nil {
				fmt.Printf("(gateway) %v\n", err)
				continue
			}
		default:
			err := e.Submit(types.InboundMessage{
				TenantID:       tenantID,
				ConversationID: convID,
				CustomerID:     "demo-customer",
				MessageID:      uuid.NewString(),
				Text:           line,
				Timestamp:      time.Now(),
			})
			if err != nil {
				fmt.Printf("(engine) %v\n", err)
				continue
			}
		}

		select {
		case <-renderer.rendered:
		case <-time.After(10 * time.Second):
			fmt.Println("(no reply)")
		}
	}
}

// simulateCallback plays the payment gateway: it looks up the pending
// payment ref and submits the callback the way the adapter would.
func simulateCallback(e *engine.Engine, db *store.Store, convID, line string) error {
	session, err := db.ActiveCheckoutSession(convID)
	if err != nil {
		return fmt.Errorf("no active checkout session")
	}
	if session.PaymentRef == "" {
		return fmt.Errorf("no payment initiated yet")
	}

	fields := strings.Fields(line)
	status := "confirmed"
	if len(fields) > 1 {
		status = fields[1]
	}
	amount := session.TotalCents
	if len(fields) > 2 {
		amount, err = strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad amount %q", fields[2])
		}
	}

	return e.SubmitPaymentCallback(types.PaymentCallback{
		TenantID:       tenantID,
		ConversationID: convID,
		PaymentRef:     session.PaymentRef,
		Status:         status,
		AmountCents:    amount,
		Timestamp:      time.Now(),
	})
}
