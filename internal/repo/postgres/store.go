package postgres

import (
	"context"

	"github.com/animus-labs/snippet-marshal/internal/repo"
)

type Store struct {
	db      TxDB
	staging *StagingStore
	slots   *SlotStore
	audit   *AuditStore
}

func NewStore(db TxDB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		db:      db,
		staging: &StagingStore{db: db},
		slots:   &SlotStore{db: db},
		audit:   &AuditStore{db: db},
	}
}

func (s *Store) Staging() repo.StagingRepository { return s.staging }
func (s *Store) Slots() repo.SlotRepository      { return s.slots }
func (s *Store) Audit() repo.AuditRepository     { return s.audit }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

var _ repo.Store = (*Store)(nil)
