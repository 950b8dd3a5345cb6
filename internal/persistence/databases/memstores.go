package databases

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kilo/internal/persistence"
)

// In-memory store implementations used by tests and database-less dev runs.
// They honor the same contracts as the Postgres stores, minus physical
// schema provisioning.

// NewMemoryStores returns a full in-memory store bundle.
func NewMemoryStores() persistence.Stores {
	return persistence.Stores{
		Bots:       NewMemoryBotStore(),
		Skills:     NewMemorySkillStore(),
		Tools:      NewMemoryToolStore(),
		Messages:   NewMemoryMessageStore(),
		Memory:     NewMemoryMemoryStore(),
		Usage:      NewMemoryUsageStore(),
		Pricing:    NewMemoryPricingStore(),
		Dismissals: NewMemoryDismissalStore(),
	}
}

func NewMemoryBotStore() persistence.BotStore {
	return &memBotStore{bots: map[string]persistence.Bot{}}
}

type memBotStore struct {
	mu   sync.RWMutex
	bots map[string]persistence.Bot
}

func (s *memBotStore) Init(context.Context) error { return nil }

func (s *memBotStore) Create(_ context.Context, b persistence.Bot) (persistence.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.SchemaName = SchemaNameFor(b.ID)
	if b.Tier == "" {
		b.Tier = "free"
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	s.bots[b.ID] = b
	return b, nil
}

func (s *memBotStore) Get(_ context.Context, id string) (persistence.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok {
		return persistence.Bot{}, persistence.ErrNotFound
	}
	return b, nil
}

func (s *memBotStore) ListByUser(_ context.Context, userID string) ([]persistence.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.Bot
	for _, b := range s.bots {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memBotStore) Update(_ context.Context, b persistence.Bot) (persistence.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bots[b.ID]
	if !ok {
		return persistence.Bot{}, persistence.ErrNotFound
	}
	cur.Name = b.Name
	cur.Personality = b.Personality
	cur.Soul = b.Soul
	if b.Tier != "" {
		cur.Tier = b.Tier
	}
	cur.UpdatedAt = time.Now().UTC()
	s.bots[b.ID] = cur
	return cur, nil
}

func (s *memBotStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.bots, id)
	return nil
}

func NewMemorySkillStore() persistence.SkillStore {
	return &memSkillStore{skills: map[string]persistence.SkillDefinition{}}
}

type memSkillStore struct {
	mu     sync.RWMutex
	skills map[string]persistence.SkillDefinition
}

func (s *memSkillStore) Init(context.Context) error { return nil }

func (s *memSkillStore) Create(_ context.Context, def persistence.SkillDefinition) (persistence.SkillDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if def.OutputFormat == "" {
		def.OutputFormat = persistence.OutputText
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	s.skills[def.ID] = def
	return def, nil
}

func (s *memSkillStore) Get(_ context.Context, id string) (persistence.SkillDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.skills[id]
	if !ok {
		return persistence.SkillDefinition{}, persistence.ErrNotFound
	}
	return def, nil
}

func (s *memSkillStore) ListByBot(_ context.Context, botID string) ([]persistence.SkillDefinition, error) {
	return s.filtered(botID, false), nil
}

func (s *memSkillStore) ListActiveByBot(_ context.Context, botID string) ([]persistence.SkillDefinition, error) {
	return s.filtered(botID, true), nil
}

func (s *memSkillStore) filtered(botID string, activeOnly bool) []persistence.SkillDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.SkillDefinition
	for _, def := range s.skills {
		if def.BotID != botID {
			continue
		}
		if activeOnly && !def.Active {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memSkillStore) CountByBot(_ context.Context, botID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, def := range s.skills {
		if def.BotID == botID {
			n++
		}
	}
	return n, nil
}

func (s *memSkillStore) Update(_ context.Context, def persistence.SkillDefinition) (persistence.SkillDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.skills[def.ID]
	if !ok {
		return persistence.SkillDefinition{}, persistence.ErrNotFound
	}
	def.BotID = cur.BotID
	def.CreatedAt = cur.CreatedAt
	def.Version = cur.Version + 1
	def.UpdatedAt = time.Now().UTC()
	s.skills[def.ID] = def
	return def, nil
}

func (s *memSkillStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.skills[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.skills, id)
	return nil
}

func NewMemoryToolStore() persistence.ToolStore {
	return &memToolStore{tools: map[string]persistence.ToolEntry{}}
}

type memToolStore struct {
	mu    sync.RWMutex
	tools map[string]persistence.ToolEntry
}

func (s *memToolStore) Init(context.Context) error { return nil }

func (s *memToolStore) Create(_ context.Context, t persistence.ToolEntry) (persistence.ToolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tools {
		if existing.BotID == t.BotID && existing.Name == t.Name {
			return persistence.ToolEntry{}, persistence.ErrConflict
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tools[t.ID] = t
	return t, nil
}

func (s *memToolStore) Get(_ context.Context, id string) (persistence.ToolEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[id]
	if !ok {
		return persistence.ToolEntry{}, persistence.ErrNotFound
	}
	return t, nil
}

func (s *memToolStore) ListByBot(_ context.Context, botID string) ([]persistence.ToolEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.ToolEntry
	for _, t := range s.tools {
		if t.BotID == botID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memToolStore) ListByNames(_ context.Context, botID string, names []string) ([]persistence.ToolEntry, error) {
	if len(names) == 0 {
		return nil, nil
	}
	wanted := map[string]bool{}
	for _, n := range names {
		wanted[strings.ToLower(n)] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.ToolEntry
	for _, t := range s.tools {
		if t.BotID == botID && t.Active && wanted[strings.ToLower(t.Name)] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memToolStore) Update(_ context.Context, t persistence.ToolEntry) (persistence.ToolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tools[t.ID]
	if !ok {
		return persistence.ToolEntry{}, persistence.ErrNotFound
	}
	t.BotID = cur.BotID
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.tools[t.ID] = t
	return t, nil
}

func (s *memToolStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.tools, id)
	return nil
}

func NewMemoryMessageStore() persistence.MessageStore {
	return &memMessageStore{}
}

type memMessageStore struct {
	mu       sync.RWMutex
	messages []persistence.Message
}

func (s *memMessageStore) Init(context.Context) error { return nil }

func (s *memMessageStore) Append(_ context.Context, m persistence.Message) (persistence.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.SkillID != nil {
		if _, err := uuid.Parse(*m.SkillID); err != nil {
			m.SkillID = nil
		}
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *memMessageStore) History(_ context.Context, sessionID string, limit int) ([]persistence.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memMessageStore) LastAssistant(_ context.Context, sessionID string) (persistence.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.SessionID == sessionID && m.Role == "assistant" {
			return m, nil
		}
	}
	return persistence.Message{}, persistence.ErrNotFound
}

func NewMemoryMemoryStore() persistence.MemoryStore {
	return &memMemoryStore{facts: map[string]persistence.MemoryFact{}}
}

type memMemoryStore struct {
	mu    sync.RWMutex
	facts map[string]persistence.MemoryFact
}

func (s *memMemoryStore) Init(context.Context) error { return nil }

func (s *memMemoryStore) Upsert(_ context.Context, f persistence.MemoryFact) (persistence.MemoryFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	s.facts[fmt.Sprintf("%s|%s|%s", f.BotID, f.UserID, f.Key)] = f
	return f, nil
}

func (s *memMemoryStore) ListByBotUser(_ context.Context, botID, userID string) ([]persistence.MemoryFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.MemoryFact
	for _, f := range s.facts {
		if f.BotID == botID && f.UserID == userID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func NewMemoryDismissalStore() persistence.DismissalStore {
	return &memDismissalStore{}
}

type memDismissalStore struct {
	mu         sync.RWMutex
	dismissals []persistence.ProposalDismissal
}

func (s *memDismissalStore) Init(context.Context) error { return nil }

func (s *memDismissalStore) Record(_ context.Context, d persistence.ProposalDismissal) (persistence.ProposalDismissal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.dismissals = append(s.dismissals, d)
	return d, nil
}

func (s *memDismissalStore) ListSince(_ context.Context, botID string, since time.Time) ([]persistence.ProposalDismissal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.ProposalDismissal
	for _, d := range s.dismissals {
		if d.BotID == botID && !d.CreatedAt.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

func NewMemoryUsageStore() persistence.UsageStore {
	return &memUsageStore{}
}

type memUsageStore struct {
	mu      sync.RWMutex
	records []persistence.UsageRecord
}

func (s *memUsageStore) Init(context.Context) error { return nil }

func (s *memUsageStore) Insert(_ context.Context, r persistence.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.records = append(s.records, r)
	return nil
}

func (s *memUsageStore) Summary(_ context.Context, userID string, start, end *time.Time) (persistence.UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary := persistence.UsageSummary{ByProvider: map[string]float64{}}
	for _, r := range s.records {
		if r.UserID != userID {
			continue
		}
		if start != nil && r.CreatedAt.Before(*start) {
			continue
		}
		if end != nil && r.CreatedAt.After(*end) {
			continue
		}
		summary.TotalCostUsd += r.CostUsd
		summary.TotalPromptTokens += int64(r.PromptTokens)
		summary.TotalCompletionTokens += int64(r.CompletionTokens)
		summary.RequestCount++
		summary.ByProvider[r.Provider] += r.CostUsd
	}
	return summary, nil
}

func (s *memUsageStore) Breakdown(_ context.Context, userID, groupBy string) ([]persistence.UsageBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buckets := map[string]*persistence.UsageBucket{}
	for _, r := range s.records {
		if r.UserID != userID {
			continue
		}
		var key string
		switch groupBy {
		case "model":
			key = r.Model
		case "bot":
			key = "none"
			if r.BotID != nil {
				key = *r.BotID
			}
		case "day":
			key = r.CreatedAt.Format("2006-01-02")
		case "month":
			key = r.CreatedAt.Format("2006-01")
		default:
			return nil, fmt.Errorf("unsupported groupBy %q", groupBy)
		}
		b, ok := buckets[key]
		if !ok {
			b = &persistence.UsageBucket{Key: key}
			buckets[key] = b
		}
		b.CostUsd += r.CostUsd
		b.PromptTokens += int64(r.PromptTokens)
		b.CompletionTokens += int64(r.CompletionTokens)
		b.RequestCount++
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]persistence.UsageBucket, 0, len(keys))
	for _, k := range keys {
		out = append(out, *buckets[k])
	}
	return out, nil
}

func NewMemoryPricingStore() persistence.PricingStore {
	return &memPricingStore{pricing: map[string]persistence.ModelPricing{}}
}

type memPricingStore struct {
	mu      sync.RWMutex
	pricing map[string]persistence.ModelPricing
}

func (s *memPricingStore) Init(context.Context) error { return nil }

func (s *memPricingStore) Get(_ context.Context, model string) (persistence.ModelPricing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pricing[model]
	if !ok {
		return persistence.ModelPricing{}, persistence.ErrNotFound
	}
	return p, nil
}

func (s *memPricingStore) List(_ context.Context) ([]persistence.ModelPricing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]persistence.ModelPricing, 0, len(s.pricing))
	for _, p := range s.pricing {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (s *memPricingStore) Upsert(_ context.Context, p persistence.ModelPricing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pricing[p.Model] = p
	return nil
}
