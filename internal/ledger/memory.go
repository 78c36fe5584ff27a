package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	orders       map[string]*Order
	items        map[string][]*OrderItem
	logs         map[string][]*LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		orders:       make(map[string]*Order),
		items:        make(map[string][]*OrderItem),
		logs:         make(map[string][]*LogEntry),
	}
}

func cloneTx(t *Transaction) *Transaction {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneOrder(o *Order) *Order {
	c := *o
	if o.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transactions[tx.ID]; exists {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	m.transactions[tx.ID] = cloneTx(tx)
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTx(t), nil
}

func (m *MemoryStore) GetTransactionByProviderID(_ context.Context, provider, providerTxnID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transactions {
		if t.Provider == provider && t.ProviderRef() == providerTxnID {
			return cloneTx(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateTransaction(_ context.Context, id string, u TransactionUpdate) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cloneTx(t)
	if err := u.Apply(next); err != nil {
		return nil, err
	}
	m.transactions[id] = next
	return cloneTx(next), nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, f TransactionFilter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, t := range m.transactions {
		if f.matches(t) {
			out = append(out, cloneTx(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendLog(_ context.Context, entry *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *entry
	m.logs[entry.TransactionID] = append(m.logs[entry.TransactionID], &c)
	return nil
}

func (m *MemoryStore) ListLogs(_ context.Context, transactionID string) ([]*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.logs[transactionID]
	out := make([]*LogEntry, len(src))
	for i, e := range src {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders {
		if existing.OrderNumber == o.OrderNumber {
			return fmt.Errorf("order number %s already exists", o.OrderNumber)
		}
	}
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, id string, u OrderUpdate) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.Apply(o)
	return cloneOrder(o), nil
}

func (m *MemoryStore) DeleteOrder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return ErrNotFound
	}
	delete(m.orders, id)
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) OrderNumberExists(_ context.Context, number string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.OrderNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CreateOrderItems(_ context.Context, items []*OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		if _, ok := m.orders[it.OrderID]; !ok {
			return fmt.Errorf("insert order items: order %s: %w", it.OrderID, ErrNotFound)
		}
	}
	for _, it := range items {
		c := *it
		m.items[it.OrderID] = append(m.items[it.OrderID], &c)
	}
	return nil
}

func (m *MemoryStore) ListOrderItems(_ context.Context, orderID string) ([]*OrderItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.items[orderID]
	out := make([]*OrderItem, len(src))
	for i, it := range src {
		c := *it
		out[i] = &c
	}
	return out, nil
}

// Orders returns every stored order. Tests only.
func (m *MemoryStore) Orders() []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber < out[j].OrderNumber })
	return out
}
