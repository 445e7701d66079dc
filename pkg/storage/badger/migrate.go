package badger

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"hostbeat/pkg/telemetry"
)

// Schema migrations are an ordered list, each applied at most once and
// recorded in an applied-migrations ledger under the meta keyspace. Steps
// are idempotent so a crash between apply and ledger write is safe.
type migration struct {
	name  string
	apply func(txn *badger.Txn) error
}

var migrations = []migration{
	{name: "0001_keyspace_v1", apply: func(txn *badger.Txn) error {
		return txn.Set(metaKey("keyspace_version"), []byte("1"))
	}},
	{name: "0002_seed_default_rules", apply: seedDefaultRules},
}

const appliedLedgerKey = "migrations_applied"

func (s *Storage) migrate() error {
	return s.db.Update(func(txn *badger.Txn) error {
		applied := map[string]bool{}
		var ledger []string
		item, err := txn.Get(metaKey(appliedLedgerKey))
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err == nil {
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &ledger) }); err != nil {
				return fmt.Errorf("read migration ledger: %w", err)
			}
		}
		for _, name := range ledger {
			applied[name] = true
		}

		for _, m := range migrations {
			if applied[m.name] {
				continue
			}
			s.log.Info("applying migration", "name", m.name)
			if err := m.apply(txn); err != nil {
				return fmt.Errorf("migration %s: %w", m.name, err)
			}
			ledger = append(ledger, m.name)
		}

		value, err := json.Marshal(ledger)
		if err != nil {
			return err
		}
		return txn.Set(metaKey(appliedLedgerKey), value)
	})
}

// seedDefaultRules installs the stock global rules for the default tenant on
// a fresh database. Existing rules are never overwritten.
func seedDefaultRules(txn *badger.Txn) error {
	defaults := []telemetry.AlertRule{
		{ID: "default-cpu-high", TenantID: "default", Scope: telemetry.ScopeGlobal, Metric: "cpu_percent", Operator: telemetry.OpGT, Threshold: 90, CooldownMinutes: 10, Enabled: true},
		{ID: "default-ram-high", TenantID: "default", Scope: telemetry.ScopeGlobal, Metric: "ram_percent", Operator: telemetry.OpGT, Threshold: 90, CooldownMinutes: 10, Enabled: true},
		{ID: "default-availability-low", TenantID: "default", Scope: telemetry.ScopeGlobal, Metric: "availability", Operator: telemetry.OpLT, Threshold: 99, CooldownMinutes: 30, Enabled: true},
	}
	for _, r := range defaults {
		key := ruleKey(r.TenantID, r.ID)
		if _, err := txn.Get(key); err == nil {
			continue
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := putJSON(txn, key, r); err != nil {
			return err
		}
	}
	return nil
}
