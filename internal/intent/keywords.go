// Package intent classifies inbound customer messages into the closed,
// versioned intent set. Classification is layered: conversation context
// first, keyword rules second, a model fallback last. Rules answer the
// high-frequency cases without a model call.
package intent

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"cartbot/internal/logging"
	"cartbot/internal/types"
)

// =============================================================================
// KEYWORD TABLES
// =============================================================================

// KeywordRule maps phrases to one intent with a match weight.
type KeywordRule struct {
	Intent  string   `yaml:"intent"`
	Phrases []string `yaml:"phrases"`
	Weight  float64  `yaml:"weight"`
}

// KeywordTable is the per-language rule set, loadable from YAML.
type KeywordTable struct {
	Version   string                   `yaml:"version"`
	Languages map[string][]KeywordRule `yaml:"languages"`
}

// KeywordStore holds the active table and supports atomic hot swap.
type KeywordStore struct {
	mu    sync.RWMutex
	table *KeywordTable
}

// NewKeywordStore creates a store seeded with the built-in table.
func NewKeywordStore() *KeywordStore {
	return &KeywordStore{table: DefaultKeywordTable()}
}

// Table returns the active table.
func (s *KeywordStore) Table() *KeywordTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

// Swap atomically replaces the active table.
func (s *KeywordStore) Swap(t *KeywordTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = t
	logging.Intent("keyword table swapped, version=%s languages=%d", t.Version, len(t.Languages))
}

// LoadFile parses and validates a YAML keyword table.
func LoadFile(path string) (*KeywordTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyword table: %w", err)
	}
	var table KeywordTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse keyword table: %w", err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

// Validate rejects tables referencing intents outside the closed set.
func (t *KeywordTable) Validate() error {
	if len(t.Languages) == 0 {
		return fmt.Errorf("keyword table has no languages")
	}
	for lang, rules := range t.Languages {
		for _, r := range rules {
			if !types.Intent(r.Intent).Valid() {
				return fmt.Errorf("language %q references unknown intent %q", lang, r.Intent)
			}
			if r.Weight <= 0 || r.Weight > 1 {
				return fmt.Errorf("language %q intent %q has weight %v outside (0,1]", lang, r.Intent, r.Weight)
			}
		}
	}
	return nil
}

// DefaultKeywordTable returns the built-in rules used when no table file is
// configured. Weights reflect phrase specificity: exact commerce phrases
// score high, broad greetings lower.
func DefaultKeywordTable() *KeywordTable {
	return &KeywordTable{
		Version: types.IntentSetVersion,
		Languages: map[string][]KeywordRule{
			"en": {
				{Intent: string(types.IntentGreeting), Weight: 0.75, Phrases: []string{"hello", "hi there", "good morning", "good evening", "hey"}},
				{Intent: string(types.IntentBrowse), Weight: 0.85, Phrases: []string{"show me", "what do you sell", "catalog", "products", "what do you have", "browse"}},
				{Intent: string(types.IntentProductQuery), Weight: 0.8, Phrases: []string{"how much", "price of", "in stock", "do you have", "available", "what is the price"}},
				{Intent: string(types.IntentSetQuantity), Weight: 0.8, Phrases: []string{"i want", "pieces", "units", "qty", "quantity"}},
				{Intent: string(types.IntentCheckout), Weight: 0.9, Phrases: []string{"checkout", "buy it", "buy now", "purchase", "place order", "i'll take it"}},
				{Intent: string(types.IntentChoosePayment), Weight: 0.85, Phrases: []string{"cash on delivery", "bank transfer", "pay with", "payment method", "credit card"}},
				{Intent: string(types.IntentConfirm), Weight: 0.85, Phrases: []string{"yes", "confirm", "that's right", "correct", "ok go ahead", "proceed"}},
				{Intent: string(types.IntentCancel), Weight: 0.9, Phrases: []string{"cancel", "never mind", "stop", "forget it", "don't want"}},
				{Intent: string(types.IntentOrderStatus), Weight: 0.9, Phrases: []string{"where is my order", "order status", "track my order", "has it shipped", "delivery status"}},
				{Intent: string(types.IntentFAQ), Weight: 0.7, Phrases: []string{"return policy", "refund", "shipping cost", "how long does delivery", "warranty", "opening hours"}},
				{Intent: string(types.IntentHandoff), Weight: 0.95, Phrases: []string{"talk to a human", "real person", "agent please", "speak to someone", "customer service"}},
				{Intent: string(types.IntentSmalltalk), Weight: 0.6, Phrases: []string{"how are you", "thank you", "thanks", "who are you"}},
			},
			"es": {
				{Intent: string(types.IntentGreeting), Weight: 0.75, Phrases: []string{"hola", "buenos dias", "buenas tardes"}},
				{Intent: string(types.IntentBrowse), Weight: 0.85, Phrases: []string{"que venden", "catalogo", "productos", "muestrame"}},
				{Intent: string(types.IntentProductQuery), Weight: 0.8, Phrases: []string{"cuanto cuesta", "precio de", "tienen", "disponible"}},
				{Intent: string(types.IntentCheckout), Weight: 0.9, Phrases: []string{"comprar", "lo quiero", "hacer pedido"}},
				{Intent: string(types.IntentConfirm), Weight: 0.85, Phrases: []string{"si", "confirmo", "correcto", "adelante"}},
				{Intent: string(types.IntentCancel), Weight: 0.9, Phrases: []string{"cancelar", "olvidalo", "no quiero"}},
				{Intent: string(types.IntentOrderStatus), Weight: 0.9, Phrases: []string{"donde esta mi pedido", "estado del pedido"}},
				{Intent: string(types.IntentHandoff), Weight: 0.95, Phrases: []string{"hablar con una persona", "agente humano"}},
			},
			"id": {
				{Intent: string(types.IntentGreeting), Weight: 0.75, Phrases: []string{"halo", "selamat pagi", "selamat sore"}},
				{Intent: string(types.IntentBrowse), Weight: 0.85, Phrases: []string{"jual apa", "katalog", "produk apa", "lihat produk"}},
				{Intent: string(types.IntentProductQuery), Weight: 0.8, Phrases: []string{"berapa harga", "harga", "ada stok", "tersedia"}},
				{Intent: string(types.IntentCheckout), Weight: 0.9, Phrases: []string{"beli", "mau beli", "pesan sekarang"}},
				{Intent: string(types.IntentConfirm), Weight: 0.85, Phrases: []string{"ya", "iya", "benar", "lanjut"}},
				{Intent: string(types.IntentCancel), Weight: 0.9, Phrases: []string{"batal", "tidak jadi", "batalkan"}},
				{Intent: string(types.IntentOrderStatus), Weight: 0.9, Phrases: []string{"pesanan saya dimana", "status pesanan", "sudah dikirim"}},
				{Intent: string(types.IntentHandoff), Weight: 0.95, Phrases: []string{"bicara dengan manusia", "customer service"}},
			},
		},
	}
}
