// Package memory is an in-process Store used by tests and single-node
// deployments. Slot mutations use a compare-and-swap per slot so promotions
// to different slots never contend.
package memory

import (
	"context"

	"github.com/animus-labs/snippet-marshal/internal/repo"
)

type Store struct {
	staging *StagingRepo
	slots   *SlotRepo
	audit   *AuditRepo
}

func New() *Store {
	staging := newStagingRepo()
	return &Store{
		staging: staging,
		slots:   &SlotRepo{staging: staging},
		audit:   &AuditRepo{},
	}
}

func (s *Store) Staging() repo.StagingRepository { return s.staging }
func (s *Store) Slots() repo.SlotRepository      { return s.slots }
func (s *Store) Audit() repo.AuditRepository     { return s.audit }
func (s *Store) Ping(context.Context) error      { return nil }

var _ repo.Store = (*Store)(nil)
