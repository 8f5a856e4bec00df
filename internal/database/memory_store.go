package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
)

// MemoryStore is a Registry kept in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	bots      map[string]*Bot
	clients   map[string]*Client
	authcodes map[string]map[string]Authcode
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:      make(map[string]*Bot),
		clients:   make(map[string]*Client),
		authcodes: make(map[string]map[string]Authcode),
		now:       time.Now,
	}
}

func (ms *MemoryStore) UpsertBot(_ context.Context, bot Bot) error {
	if bot.DID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if existing, ok := ms.bots[bot.DID]; ok {
		bot.MQTTConnection = existing.MQTTConnection
		bot.XMPPConnection = existing.XMPPConnection
		if bot.Name == "" {
			bot.Name = existing.Name
		}
	}
	ms.bots[bot.DID] = &bot
	logger.DebugF("Bot saved: did=%s, sn=%s, class=%s", bot.DID, bot.Serial, bot.Class)
	return nil
}

func (ms *MemoryStore) GetBot(_ context.Context, did string) (*Bot, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	bot, ok := ms.bots[did]
	if !ok {
		return nil, fmt.Errorf("bot %s: %w", did, ErrNotFound)
	}
	copied := *bot
	return &copied, nil
}

func (ms *MemoryStore) SetBotConnected(_ context.Context, did string, connected bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	bot, ok := ms.bots[did]
	if !ok {
		return fmt.Errorf("bot %s: %w", did, ErrNotFound)
	}
	bot.MQTTConnection = connected
	return nil
}

func (ms *MemoryStore) UpsertClient(_ context.Context, client Client) error {
	if client.Resource == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if existing, ok := ms.clients[client.Resource]; ok {
		client.MQTTConnection = existing.MQTTConnection
		client.XMPPConnection = existing.XMPPConnection
	}
	ms.clients[client.Resource] = &client
	logger.DebugF("Client saved: userid=%s, realm=%s, resource=%s", client.UserID, client.Realm, client.Resource)
	return nil
}

func (ms *MemoryStore) GetClient(_ context.Context, resource string) (*Client, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	client, ok := ms.clients[resource]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", resource, ErrNotFound)
	}
	copied := *client
	return &copied, nil
}

func (ms *MemoryStore) SetClientConnected(_ context.Context, resource string, connected bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	client, ok := ms.clients[resource]
	if !ok {
		return fmt.Errorf("client %s: %w", resource, ErrNotFound)
	}
	client.MQTTConnection = connected
	return nil
}

func (ms *MemoryStore) AddAuthcode(_ context.Context, code Authcode) error {
	if code.UserID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	codes, ok := ms.authcodes[code.UserID]
	if !ok {
		codes = make(map[string]Authcode)
		ms.authcodes[code.UserID] = codes
	}
	codes[code.Authcode] = code
	return nil
}

func (ms *MemoryStore) CheckAuthcode(_ context.Context, userID, authcode string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	code, ok := ms.authcodes[userID][authcode]
	if !ok {
		return false, nil
	}
	return code.Valid(ms.now()), nil
}
