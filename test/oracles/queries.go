package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

// shortfall mirrors the adjudication weights for one party's stored facts.
const shortfall = `(CASE WHEN NOT %[1]s_delivered THEN 20 ELSE 0 END
  + CASE WHEN NOT %[1]s_on_time THEN 10 ELSE 0 END
  + CASE WHEN %[1]s_approved_before THEN -10 ELSE 10 END)`

func All() []Oracle {
	respondent := fmt.Sprintf(shortfall, "respondent")
	complainer := fmt.Sprintf(shortfall, "complainer")
	return []Oracle{
		{
			Name: "O1_one_open_proposal_per_proposer",
			SQL: `SELECT offer_id, proposer_id, COUNT(*) FROM proposals
                  WHERE status IN ('pending_offer_owner_review','pending_proposer_review')
                  GROUP BY offer_id, proposer_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_accepted_iff_agreement",
			SQL: `SELECT p.id, p.status, a.id FROM proposals p
                  LEFT JOIN agreements a ON a.proposal_id = p.id
                  WHERE (p.status = 'accepted') <> (a.id IS NOT NULL)
                     OR (a.id IS NOT NULL AND p.agreement_id IS DISTINCT FROM a.id)`,
		},
		{
			Name: "O3_history_seq_dense",
			SQL: `SELECT proposal_id, seq FROM (
                      SELECT proposal_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY proposal_id ORDER BY seq) AS rn
                      FROM proposal_history) h
                  WHERE seq <> rn`,
		},
		{
			Name: "O4_history_matches_status",
			SQL: `SELECT p.id, p.status, last.action FROM proposals p
                  JOIN LATERAL (
                      SELECT action FROM proposal_history h
                      WHERE h.proposal_id = p.id ORDER BY seq DESC LIMIT 1) last ON true
                  WHERE p.status IN ('accepted','declined','expired','withdrawn') AND last.action <> p.status
                     OR p.modification_count <> (SELECT COUNT(*) FROM proposal_history h
                                                 WHERE h.proposal_id = p.id AND h.action = 'modified')`,
		},
		{
			Name: "O5_timeline_seq_dense",
			SQL: `SELECT agreement_id, seq FROM (
                      SELECT agreement_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY agreement_id ORDER BY seq) AS rn
                      FROM agreement_timeline) t
                  WHERE seq <> rn`,
		},
		{
			Name: "O6_completion_requires_milestones",
			SQL: `SELECT a.id FROM agreements a
                  WHERE a.status = 'completed'
                    AND EXISTS (SELECT 1 FROM milestones m WHERE m.agreement_id = a.id AND m.status <> 'completed')
                  UNION ALL
                  SELECT m.agreement_id FROM milestones m
                  WHERE m.status = 'completed'
                    AND NOT EXISTS (SELECT 1 FROM deliverables d
                                    WHERE d.milestone_id = m.id AND d.status = 'approved')`,
		},
		{
			Name: "O7_one_active_dispute",
			SQL: `SELECT agreement_id, COUNT(*) FROM disputes
                  WHERE status <> 'resolved'
                  GROUP BY agreement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_score_matches_facts",
			SQL: `SELECT id, score FROM disputes
                  WHERE (resolution IN ('favors_complainer','favors_respondent') OR escalated_at IS NOT NULL)
                    AND score <> GREATEST(0, LEAST(100, 50
                        + CASE WHEN respondent_silent THEN 40 ELSE ` + respondent + ` END
                        - ` + complainer + `))`,
		},
		{
			Name: "O9_verdict_matches_score",
			SQL: `SELECT id, score, resolution FROM disputes
                  WHERE (resolution = 'favors_complainer' AND score < 70)
                     OR (resolution = 'favors_respondent' AND score > 30)
                     OR (escalated_at IS NOT NULL AND (score <= 30 OR score >= 70))`,
		},
		{
			Name: "O10_penalty_follows_verdict",
			SQL: `SELECT d.id, d.resolution, p.user_id FROM disputes d
                  LEFT JOIN penalties p ON p.dispute_id = d.id
                  WHERE d.status = 'resolved' AND CASE
                      WHEN d.resolution = 'favors_complainer' OR d.moderator_outcome = 'favors_complainer'
                          THEN p.user_id IS DISTINCT FROM d.respondent_id
                      WHEN d.resolution = 'favors_respondent' OR d.moderator_outcome = 'favors_respondent'
                          THEN p.user_id IS DISTINCT FROM d.complainer_id
                      ELSE p.id IS NOT NULL
                  END
                  UNION ALL
                  SELECT d.id, d.resolution, p.user_id FROM penalties p
                  JOIN disputes d ON d.id = p.dispute_id
                  WHERE d.status <> 'resolved'`,
		},
		{
			Name: "O11_resolution_notified",
			SQL: `SELECT d.id FROM disputes d
                  WHERE d.status = 'resolved'
                    AND NOT EXISTS (SELECT 1 FROM outbox o
                                    WHERE o.entity_id = d.id::text AND o.topic = 'dispute.resolved')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
