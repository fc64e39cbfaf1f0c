package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenLabCore/internal/deletion"
	"github.com/KevinKickass/OpenLabCore/internal/protocols"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/jackc/pgx/v5"
)

func protocolNotFound(protocolID string) error {
	return types.NewError(types.ErrNotFound, protocols.CodeProtocolNotFound,
		"protocol %s not found", protocolID)
}

func protocolUsed(protocolID string) error {
	return types.NewError(types.ErrConflict, protocols.CodeProtocolUsedByRun,
		"protocol %s is used by a run and cannot be deleted", protocolID)
}

const protocolColumns = `id, created_at, kind, protocol_key, content_hash, files, metadata`

func (p *PostgresClient) InsertProtocol(ctx context.Context, proto protocols.Protocol) error {
	files, err := json.Marshal(proto.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal files: %w", err)
	}
	metadata, err := json.Marshal(proto.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO protocols (`+protocolColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, proto.ID, proto.CreatedAt, string(proto.Kind), proto.Key, proto.ContentHash, files, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert protocol: %w", err)
	}
	return nil
}

func scanProtocol(row pgx.Row) (protocols.Protocol, error) {
	var proto protocols.Protocol
	var files, metadata []byte
	if err := row.Scan(&proto.ID, &proto.CreatedAt, &proto.Kind, &proto.Key, &proto.ContentHash, &files, &metadata); err != nil {
		return protocols.Protocol{}, err
	}
	if err := json.Unmarshal(files, &proto.Files); err != nil {
		return protocols.Protocol{}, fmt.Errorf("failed to decode files of protocol %s: %w", proto.ID, err)
	}
	if err := json.Unmarshal(metadata, &proto.Metadata); err != nil {
		return protocols.Protocol{}, fmt.Errorf("failed to decode metadata of protocol %s: %w", proto.ID, err)
	}
	return proto, nil
}

func (p *PostgresClient) GetProtocol(ctx context.Context, protocolID string) (protocols.Protocol, error) {
	proto, err := scanProtocol(p.pool.QueryRow(ctx, `
		SELECT `+protocolColumns+` FROM protocols WHERE id = $1
	`, protocolID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return protocols.Protocol{}, protocolNotFound(protocolID)
		}
		return protocols.Protocol{}, fmt.Errorf("failed to load protocol: %w", err)
	}
	return proto, nil
}

func (p *PostgresClient) ListProtocols(ctx context.Context) ([]protocols.Protocol, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+protocolColumns+` FROM protocols ORDER BY row_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list protocols: %w", err)
	}
	defer rows.Close()

	var out []protocols.Protocol
	for rows.Next() {
		proto, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, proto)
	}
	return out, rows.Err()
}

func (p *PostgresClient) FindProtocolByHash(ctx context.Context, hash string, kind protocols.Kind) (protocols.Protocol, bool, error) {
	proto, err := scanProtocol(p.pool.QueryRow(ctx, `
		SELECT `+protocolColumns+` FROM protocols
		WHERE content_hash = $1 AND kind = $2
		ORDER BY row_id
		LIMIT 1
	`, hash, string(kind)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return protocols.Protocol{}, false, nil
		}
		return protocols.Protocol{}, false, fmt.Errorf("failed to look up protocol: %w", err)
	}
	return proto, true, nil
}

// RemoveProtocol checks usage and deletes in one transaction so a run
// created concurrently cannot be left pointing at a missing protocol.
func (p *PostgresClient) RemoveProtocol(ctx context.Context, protocolID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM protocols WHERE id = $1 FOR UPDATE`, protocolID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return protocolNotFound(protocolID)
		}
		return fmt.Errorf("failed to lock protocol: %w", err)
	}

	var used bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM runs WHERE protocol_id = $1)
	`, protocolID).Scan(&used)
	if err != nil {
		return fmt.Errorf("failed to check protocol usage: %w", err)
	}
	if used {
		return protocolUsed(protocolID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM protocols WHERE id = $1`, protocolID); err != nil {
		return fmt.Errorf("failed to delete protocol: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresClient) ProtocolUsage(ctx context.Context, kind string) ([]deletion.ProtocolUsage, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT p.id, EXISTS (SELECT 1 FROM runs r WHERE r.protocol_id = p.id)
		FROM protocols p
		WHERE p.kind = $1
		ORDER BY p.row_id
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to read protocol usage: %w", err)
	}
	defer rows.Close()

	var out []deletion.ProtocolUsage
	for rows.Next() {
		var u deletion.ProtocolUsage
		if err := rows.Scan(&u.ProtocolID, &u.IsUsedByRun); err != nil {
			return nil, fmt.Errorf("failed to scan protocol usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
