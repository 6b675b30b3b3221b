package entity

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	PrintStatusPrinted = "printed"
	PrintStatusFailed  = "failed"
)

// PrintConfirmation records the outcome a print agent reported for a job.
type PrintConfirmation struct {
	bun.BaseModel `bun:"table:print_confirmations,alias:pc"`

	ID        int64     `bun:"id,pk,autoincrement"`
	OrderID   string    `bun:"order_id,notnull"`
	PrintType string    `bun:"print_type,notnull"`
	AgentID   string    `bun:"agent_id,notnull"`
	Status    string    `bun:"status,notnull"`
	Attempts  int       `bun:"attempts,notnull"`
	Detail    string    `bun:"detail,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}
