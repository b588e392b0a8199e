package persistence

import (
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/IliaW/policy-gate/internal/model"
)

type DecisionStorage interface {
	SaveDecision(*model.Decision)
	GetLastDecision(url, agent string) *model.Decision
}

type DecisionRepository struct {
	db *sql.DB
}

func NewDecisionRepository(db *sql.DB) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// SaveDecision appends one decision to the audit table. The audit trail is
// best effort; a failed insert is logged, not propagated.
func (dr *DecisionRepository) SaveDecision(d *model.Decision) {
	headers, err := json.Marshal(d.Headers)
	if err != nil {
		slog.Error("failed to marshal decision headers.", slog.String("err", err.Error()))
		headers = []byte("{}")
	}
	_, err = dr.db.Exec(`INSERT INTO site_policy.decision_audit
		(url, user_agent, allowed, matched_rule, redirect_to, redirect_code, deny_code, headers, in_sitemap, snapshot_id, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.URL, d.UserAgent, d.Allowed, d.MatchedRule, d.RedirectTo, d.RedirectCode,
		d.DenyCode, headers, d.InSitemap, d.SnapshotID, d.CheckedAt)
	if err != nil {
		slog.Error("failed to save the decision to the database.", slog.String("err", err.Error()))
	}
}

// GetLastDecision returns the most recent audited decision for the given URL
// and agent.
func (dr *DecisionRepository) GetLastDecision(url, agent string) *model.Decision {
	var decisions []*model.Decision
	rows, err := dr.db.Query(`SELECT url, user_agent, allowed, matched_rule, snapshot_id, checked_at
		FROM site_policy.decision_audit WHERE url = $1 AND user_agent = $2
		ORDER BY checked_at DESC LIMIT 1`, url, agent)
	if err != nil {
		slog.Error("failed to get decisions from the database.", slog.String("err", err.Error()))
		return nil
	}
	defer func(rows *sql.Rows) {
		err = rows.Close()
		if err != nil {
			slog.Error("failed to close rows.", slog.String("err", err.Error()))
		}
	}(rows)

	for rows.Next() {
		var d model.Decision
		if err = rows.Scan(&d.URL, &d.UserAgent, &d.Allowed, &d.MatchedRule, &d.SnapshotID,
			&d.CheckedAt); err != nil {
			slog.Error("failed to scan decision from the database.", slog.String("err", err.Error()))
			return nil
		}
		decisions = append(decisions, &d)
	}

	if err = rows.Err(); err != nil {
		slog.Error("failed to get decisions from the database.", slog.String("err", err.Error()))
		return nil
	}
	if len(decisions) == 0 {
		slog.Debug("no audited decision found for the given URL.", slog.String("url", url))
		return nil
	}
	slog.Debug("decisions found.", slog.Any("size", len(decisions)))
	return decisions[0]
}
