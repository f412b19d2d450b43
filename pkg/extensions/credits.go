package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

// CreditStore tracks per-user balances. The file-backed implementation
// below suffices for a single bot; a shared deployment can plug in a
// database-backed store.
type CreditStore interface {
	// GetOrCreate returns the balance, granting initial credits to new users.
	GetOrCreate(channel, chatID string) (float64, bool, error)
	Balance(channel, chatID string) (float64, error)
	Deduct(channel, chatID string, amount float64) (bool, error)
}

func init() {
	RegisterConstructor("credits", func(cfg *config.Config) (Extension, error) {
		store, err := NewFileCreditStore(
			filepath.Join(cfg.WorkspacePath(), "credits.json"),
			cfg.Extensions.Credits.InitialBalance,
		)
		if err != nil {
			return nil, err
		}
		return NewCredits(store, cfg.Extensions.Credits.CostPerReply), nil
	})
}

// Credits gates answers behind a balance: PreProcess blocks exhausted
// users, TransformMessages surfaces the balance to the model, and
// TransformResponse deducts after a successful reply.
type Credits struct {
	store        CreditStore
	costPerReply float64
}

func NewCredits(store CreditStore, costPerReply float64) *Credits {
	if costPerReply <= 0 {
		costPerReply = 1
	}
	return &Credits{store: store, costPerReply: costPerReply}
}

func (c *Credits) Name() string { return "credits" }

func (c *Credits) PreProcess(ctx context.Context, msg bus.InboundMessage, ectx Context) (string, error) {
	balance, isNew, err := c.store.GetOrCreate(ectx.Channel, ectx.ChatID)
	if err != nil {
		return "", err
	}
	if isNew {
		logger.InfoCF("credits", "New user granted initial credits", map[string]interface{}{
			"session": ectx.SessionKey,
			"balance": balance,
		})
	}
	if balance > 0 {
		return "", nil
	}
	return "You've used all your credits. Please contact the bot administrator to top up.", nil
}

func (c *Credits) TransformMessages(messages []providers.Message, ectx Context) ([]providers.Message, error) {
	balance, err := c.store.Balance(ectx.Channel, ectx.ChatID)
	if err != nil {
		return messages, err
	}
	for i := range messages {
		if messages[i].Role == "system" {
			warning := ""
			if balance <= 3 {
				warning = " Credits running low, remind the user to top up after this answer."
			}
			messages[i].Content += fmt.Sprintf(
				"\n\n## Credits\nUser has %.0f credits remaining. Each answer costs %.0f credit(s).%s",
				balance, c.costPerReply, warning)
			break
		}
	}
	return messages, nil
}

func (c *Credits) TransformResponse(response string, ectx Context) (string, error) {
	ok, err := c.store.Deduct(ectx.Channel, ectx.ChatID, c.costPerReply)
	if err != nil {
		return response, err
	}
	if !ok {
		logger.WarnCF("credits", "Credit deduction failed", map[string]interface{}{
			"session": ectx.SessionKey,
		})
		return response, nil
	}

	balance, err := c.store.Balance(ectx.Channel, ectx.ChatID)
	if err != nil {
		return response, nil
	}
	if balance == 0 {
		response += "\n\n---\n_This was your last credit. Send any message to see top-up options._"
	} else if balance <= 3 {
		response += fmt.Sprintf("\n\n---\n_%.0f credits remaining_", balance)
	}
	return response, nil
}

// FileCreditStore persists balances as a JSON map keyed by session key.
type FileCreditStore struct {
	path           string
	initialBalance float64
	balances       map[string]float64
	mu             sync.Mutex
}

func NewFileCreditStore(path string, initialBalance float64) (*FileCreditStore, error) {
	s := &FileCreditStore{
		path:           path,
		initialBalance: initialBalance,
		balances:       map[string]float64{},
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &s.balances); err != nil {
			return nil, fmt.Errorf("corrupt credit store %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *FileCreditStore) key(channel, chatID string) string {
	return channel + ":" + chatID
}

func (s *FileCreditStore) GetOrCreate(channel, chatID string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key(channel, chatID)
	if balance, ok := s.balances[key]; ok {
		return balance, false, nil
	}
	s.balances[key] = s.initialBalance
	if err := s.saveLocked(); err != nil {
		return 0, false, err
	}
	return s.initialBalance, true, nil
}

func (s *FileCreditStore) Balance(channel, chatID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[s.key(channel, chatID)], nil
}

func (s *FileCreditStore) Deduct(channel, chatID string, amount float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key(channel, chatID)
	balance := s.balances[key]
	if balance < amount {
		return false, nil
	}
	s.balances[key] = balance - amount
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileCreditStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.balances, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}
