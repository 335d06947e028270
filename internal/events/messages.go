package events

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/tinoosan/tally/internal/service/balance"
	"github.com/tinoosan/tally/internal/service/importer"
)

// Routing keys on the events exchange.
const (
	KeyBalances = "balances.snapshot"
	KeyImport   = "import.finished"
)

// AccountBalance is one entry of a published snapshot.
type AccountBalance struct {
	AccountID string `json:"account_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

// BalancesMessage carries a whole balance snapshot.
type BalancesMessage struct {
	Version   uint64           `json:"version"`
	Balances  []AccountBalance `json:"balances"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewBalancesMessage flattens snap, ordered by account id.
func NewBalancesMessage(snap balance.Snapshot, at time.Time) *BalancesMessage {
	out := make([]AccountBalance, 0, len(snap.Balances))
	for id, amt := range snap.Balances {
		out = append(out, AccountBalance{AccountID: id.String(), Amount: amt.Decimal().String(), Currency: amt.Curr().Code()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return &BalancesMessage{Version: snap.Version, Balances: out, Timestamp: at.UTC()}
}

func (m *BalancesMessage) ToJSON() ([]byte, error) { return json.Marshal(m) }

// ImportMessage wraps the summary of one import run.
type ImportMessage struct {
	Stats     importer.Stats `json:"stats"`
	Timestamp time.Time      `json:"timestamp"`
}

func (m *ImportMessage) ToJSON() ([]byte, error) { return json.Marshal(m) }
