package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/bytedance/sonic"

	"boardsync/domain"
)

// Fixture is a seed document for a store: the boards, columns, tasks and
// memberships normally created by the CRUD layer.
type Fixture struct {
	Containers       []domain.Container                     `json:"containers"`
	Items            []domain.OrderedItem                   `json:"items"`
	BoardMembers     map[domain.BoardID][]domain.UserID     `json:"boardMembers"`
	WorkspaceMembers map[domain.WorkspaceID][]domain.UserID `json:"workspaceMembers"`
}

// LoadFixture decodes a fixture from r and writes it to s. Containers are
// written before items.
func LoadFixture(ctx context.Context, s Seeder, r io.Reader) error {
	var f Fixture
	dec := sonic.ConfigStd.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return fmt.Errorf("decode fixture: %w", err)
	}
	for _, c := range f.Containers {
		if err := s.PutContainer(ctx, c); err != nil {
			return fmt.Errorf("container %s: %w", c.ID, err)
		}
	}
	for _, it := range f.Items {
		if err := s.InsertItem(ctx, it); err != nil {
			return fmt.Errorf("item %s: %w", it.ID, err)
		}
	}
	for board, users := range f.BoardMembers {
		for _, u := range users {
			if err := s.AddBoardMember(ctx, board, u); err != nil {
				return fmt.Errorf("board member %s/%s: %w", board, u, err)
			}
		}
	}
	for ws, users := range f.WorkspaceMembers {
		for _, u := range users {
			if err := s.AddWorkspaceMember(ctx, ws, u); err != nil {
				return fmt.Errorf("workspace member %s/%s: %w", ws, u, err)
			}
		}
	}
	return nil
}
