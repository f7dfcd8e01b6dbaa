package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against the live database while the
// actors are writing. Any returned row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			// The audit trail must be strictly increasing in source seq per
			// contract; a duplicate or backwards append means the dedup or
			// the row lock failed.
			Name: "O1_audit_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT contract_address, source_seq,
                             LAG(source_seq) OVER (PARTITION BY contract_address ORDER BY id) AS prev
                      FROM order_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND source_seq <= prev`,
		},
		{
			// The mirror's status must equal the next_status of its latest
			// audit row.
			Name: "O2_status_matches_latest_event",
			SQL: `SELECT o.contract_address, o.status, e.next_status
                  FROM orders o
                  JOIN LATERAL (
                      SELECT next_status FROM order_events
                      WHERE contract_address = o.contract_address
                      ORDER BY source_seq DESC LIMIT 1
                  ) e ON true
                  WHERE o.status <> e.next_status`,
		},
		{
			// The watermark column must track the audit trail's maximum.
			Name: "O3_watermark_matches_audit",
			SQL: `SELECT o.contract_address, o.last_applied_event_seq, m.max_seq
                  FROM orders o
                  JOIN (
                      SELECT contract_address, MAX(source_seq) AS max_seq
                      FROM order_events GROUP BY contract_address
                  ) m ON m.contract_address = o.contract_address
                  WHERE o.last_applied_event_seq <> m.max_seq`,
		},
		{
			// Every audit row must continue the previous row's status, so
			// the chain of transitions has no gaps or rewrites.
			Name: "O4_transition_chain_contiguous",
			SQL: `WITH chain AS (
                      SELECT contract_address, previous_status, next_status,
                             LAG(next_status) OVER (PARTITION BY contract_address ORDER BY source_seq) AS prior
                      FROM order_events)
                  SELECT * FROM chain WHERE prior IS NOT NULL AND previous_status <> prior`,
		},
		{
			// A dispute resolution must leave a settlement outcome; the
			// feeder always funds with a known buyer wallet so the outcome
			// is always derivable.
			Name: "O5_dispute_settlement_recorded",
			SQL: `SELECT o.contract_address
                  FROM orders o
                  WHERE o.settlement_outcome IS NULL
                    AND EXISTS (
                        SELECT 1 FROM order_events e
                        WHERE e.contract_address = o.contract_address
                          AND e.kind = 'DisputeResolved')`,
		},
		{
			// Completed is terminal: no audit row may follow a transition
			// into completed.
			Name: "O6_terminal_status_final",
			SQL: `SELECT e.contract_address, e.source_seq
                  FROM order_events e
                  JOIN (
                      SELECT contract_address, MIN(source_seq) AS done_seq
                      FROM order_events WHERE next_status = 'completed'
                      GROUP BY contract_address
                  ) d ON d.contract_address = e.contract_address
                  WHERE e.source_seq > d.done_seq`,
		},
		{
			// Outbox messages must not sit pending indefinitely while the
			// worker runs.
			Name: "O7_outbox_drains",
			SQL: `SELECT id::text FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
