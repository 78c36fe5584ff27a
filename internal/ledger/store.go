package ledger

import "context"

// Store is the ACID-capable persistence collaborator. Every write from the
// payment core goes through it.
type Store interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByProviderID(ctx context.Context, provider, providerTxnID string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, id string, u TransactionUpdate) (*Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error)

	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, transactionID string) ([]*LogEntry, error)

	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, id string, u OrderUpdate) (*Order, error)
	DeleteOrder(ctx context.Context, id string) error
	OrderNumberExists(ctx context.Context, number string) (bool, error)
	CreateOrderItems(ctx context.Context, items []*OrderItem) error
	ListOrderItems(ctx context.Context, orderID string) ([]*OrderItem, error)
}
