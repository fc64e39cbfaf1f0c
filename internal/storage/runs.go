package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenLabCore/internal/engine"
	"github.com/KevinKickass/OpenLabCore/internal/runs"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/jackc/pgx/v5"
)

func runNotFound(runID string) error {
	return types.NewError(types.ErrNotFound, runs.CodeRunNotFound, "run %s not found", runID)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (p *PostgresClient) InsertRun(ctx context.Context, rec runs.Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO runs (id, created_at, protocol_id)
		VALUES ($1, $2, $3)
	`, rec.ID, rec.CreatedAt, nullable(rec.ProtocolID))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (p *PostgresClient) GetRun(ctx context.Context, runID string) (runs.Record, error) {
	rec, err := p.scanRun(p.pool.QueryRow(ctx, `
		SELECT id, created_at, COALESCE(protocol_id, ''), summary, commands
		FROM runs
		WHERE id = $1
	`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return runs.Record{}, runNotFound(runID)
		}
		return runs.Record{}, fmt.Errorf("failed to load run: %w", err)
	}

	actions, err := p.loadActions(ctx, runID)
	if err != nil {
		return runs.Record{}, err
	}
	rec.Actions = actions
	return rec, nil
}

func (p *PostgresClient) ListRuns(ctx context.Context) ([]runs.Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, created_at, COALESCE(protocol_id, ''), summary, commands
		FROM runs
		ORDER BY row_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []runs.Record
	for rows.Next() {
		rec, err := p.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		actions, err := p.loadActions(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Actions = actions
	}
	return out, nil
}

func (p *PostgresClient) scanRun(row pgx.Row) (runs.Record, error) {
	var rec runs.Record
	var summary, commands []byte
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.ProtocolID, &summary, &commands); err != nil {
		return runs.Record{}, err
	}
	if summary != nil {
		rec.Summary = &engine.Summary{}
		if err := json.Unmarshal(summary, rec.Summary); err != nil {
			return runs.Record{}, fmt.Errorf("failed to decode summary of run %s: %w", rec.ID, err)
		}
	}
	if commands != nil {
		if err := json.Unmarshal(commands, &rec.Commands); err != nil {
			return runs.Record{}, fmt.Errorf("failed to decode commands of run %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func (p *PostgresClient) loadActions(ctx context.Context, runID string) ([]runs.Action, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, created_at, action_type
		FROM run_actions
		WHERE run_id = $1
		ORDER BY row_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run actions: %w", err)
	}
	defer rows.Close()

	var actions []runs.Action
	for rows.Next() {
		var a runs.Action
		if err := rows.Scan(&a.ID, &a.CreatedAt, &a.ActionType); err != nil {
			return nil, fmt.Errorf("failed to scan run action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (p *PostgresClient) InsertAction(ctx context.Context, runID string, action runs.Action) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO run_actions (id, run_id, created_at, action_type)
		SELECT $1, id, $3, $4 FROM runs WHERE id = $2
	`, action.ID, runID, action.CreatedAt, string(action.ActionType))
	if err != nil {
		return fmt.Errorf("failed to insert run action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return runNotFound(runID)
	}
	return nil
}

func (p *PostgresClient) ArchiveRun(ctx context.Context, runID string, summary engine.Summary, commands []engine.Command) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	commandsJSON, err := json.Marshal(commands)
	if err != nil {
		return fmt.Errorf("failed to marshal commands: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE runs SET summary = $2, commands = $3
		WHERE id = $1
	`, runID, summaryJSON, commandsJSON)
	if err != nil {
		return fmt.Errorf("failed to archive run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return runNotFound(runID)
	}
	return nil
}

func (p *PostgresClient) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM runs ORDER BY row_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list run ids: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresClient) DeleteRun(ctx context.Context, runID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return runNotFound(runID)
	}
	return nil
}
