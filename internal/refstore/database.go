package refstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/teams-agents/internal/refstore/upgrades"
	"go.mau.fi/teams-agents/internal/teams/model"
)

const (
	referenceSelect = `
		SELECT conversation_id, service_url, channel_id, bot_id, bot_name, user_id, user_name,
		       user_aad_id, tenant_id, conversation_type, is_group, updated_at, agentic
		FROM conversation_reference
	`
	referenceUpsert = `
		INSERT INTO conversation_reference (
			conversation_id, service_url, channel_id, bot_id, bot_name, user_id, user_name,
			user_aad_id, tenant_id, conversation_type, is_group, updated_at, agentic
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (conversation_id) DO UPDATE SET
			service_url=excluded.service_url,
			channel_id=excluded.channel_id,
			bot_id=excluded.bot_id,
			bot_name=excluded.bot_name,
			user_id=excluded.user_id,
			user_name=excluded.user_name,
			user_aad_id=excluded.user_aad_id,
			tenant_id=excluded.tenant_id,
			conversation_type=excluded.conversation_type,
			is_group=excluded.is_group,
			updated_at=excluded.updated_at,
			agentic=excluded.agentic
	`
)

// DBBackend stores references in SQL through dbutil. It works on sqlite3 and
// postgres.
type DBBackend struct {
	Database *dbutil.Database
}

// OpenDB opens uri with dialect ("sqlite3" or "postgres") and upgrades the
// schema.
func OpenDB(ctx context.Context, dialect, uri string, log zerolog.Logger) (*DBBackend, error) {
	db, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, err
	}
	return NewDBBackend(ctx, db, log)
}

// NewDBBackend wraps an existing database, keeping its own version table so it
// can share the database with other components.
func NewDBBackend(ctx context.Context, db *dbutil.Database, log zerolog.Logger) (*DBBackend, error) {
	if db == nil {
		return nil, errMissingBackend
	}
	child := db.Child("conversation_reference_version", upgrades.Table, dbutil.ZeroLogger(log))
	if err := child.Upgrade(ctx); err != nil {
		return nil, err
	}
	return &DBBackend{Database: child}, nil
}

func (b *DBBackend) LoadAll(ctx context.Context) ([]model.ConversationReference, error) {
	if b == nil || b.Database == nil {
		return nil, errMissingBackend
	}
	rows, err := b.Database.Query(ctx, referenceSelect)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []model.ConversationReference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

var _ PointLookup = (*DBBackend)(nil)

// Get returns the reference stored under conversationID, or nil.
func (b *DBBackend) Get(ctx context.Context, conversationID string) (*model.ConversationReference, error) {
	if b == nil || b.Database == nil {
		return nil, errMissingBackend
	}
	ref, err := scanReference(b.Database.QueryRow(ctx, referenceSelect+" WHERE conversation_id=$1", conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (b *DBBackend) Put(ctx context.Context, ref model.ConversationReference) error {
	if b == nil || b.Database == nil {
		return errMissingBackend
	}
	var agentic *string
	if ref.Agentic != nil {
		data, err := json.Marshal(ref.Agentic)
		if err != nil {
			return err
		}
		str := string(data)
		agentic = &str
	}
	_, err := b.Database.Exec(ctx, referenceUpsert,
		ref.ConversationID, ref.ServiceURL, ref.ChannelID, ref.BotID, ref.BotName, ref.UserID, ref.UserName,
		ref.UserAADID, ref.TenantID, ref.ConversationType, ref.IsGroup, ref.UpdatedAt, agentic,
	)
	return err
}

func (b *DBBackend) Delete(ctx context.Context, conversationID string) error {
	if b == nil || b.Database == nil {
		return errMissingBackend
	}
	_, err := b.Database.Exec(ctx, "DELETE FROM conversation_reference WHERE conversation_id=$1", conversationID)
	return err
}

func (b *DBBackend) Clear(ctx context.Context) error {
	if b == nil || b.Database == nil {
		return errMissingBackend
	}
	_, err := b.Database.Exec(ctx, "DELETE FROM conversation_reference")
	return err
}

func (b *DBBackend) Close() error {
	if b == nil || b.Database == nil {
		return nil
	}
	return b.Database.Close()
}

func scanReference(row dbutil.Scannable) (model.ConversationReference, error) {
	var ref model.ConversationReference
	var agentic sql.NullString
	err := row.Scan(
		&ref.ConversationID, &ref.ServiceURL, &ref.ChannelID, &ref.BotID, &ref.BotName, &ref.UserID, &ref.UserName,
		&ref.UserAADID, &ref.TenantID, &ref.ConversationType, &ref.IsGroup, &ref.UpdatedAt, &agentic,
	)
	if err != nil {
		return ref, err
	}
	if agentic.Valid && agentic.String != "" {
		ref.Agentic = &model.AgenticIdentity{}
		if err := json.Unmarshal([]byte(agentic.String), ref.Agentic); err != nil {
			return ref, err
		}
	}
	return ref, nil
}
