package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"boardsync/domain"
)

// maxTransactionActions is the Table service limit for one entity group
// transaction.
const maxTransactionActions = 100

// maxSequenceAttempts bounds retries when concurrent inserts race for the
// same board's sequence counter.
const maxSequenceAttempts = 5

const (
	entityContainer = "container"
	entityItem      = "item"
)

// TableStore keeps positions in Azure Table Storage. All containers and
// items of one board share a partition so a move is a single entity group
// transaction. A directory table maps container and item IDs to their board.
type TableStore struct {
	svc       *aztables.ServiceClient
	positions *aztables.Client
	directory *aztables.Client
	members   *aztables.Client
}

// TableNames names the tables used by TableStore.
type TableNames struct {
	Positions string
	Directory string
	Members   string
}

// NewTableStore creates a TableStore from a storage connection string.
func NewTableStore(connStr string, names TableNames) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{
		svc:       svc,
		positions: svc.NewClient(names.Positions),
		directory: svc.NewClient(names.Directory),
		members:   svc.NewClient(names.Members),
	}, nil
}

type containerEntity struct {
	aztables.Entity
	Type        string `json:"Type"`
	Kind        string `json:"Kind"`
	WorkspaceID string `json:"WorkspaceID"`
}

// itemEntity stores Seq, the item's insertion rank within its board, used to
// break position ties.
type itemEntity struct {
	aztables.Entity
	Type        string `json:"Type"`
	Kind        string `json:"Kind"`
	ContainerID string `json:"ContainerID"`
	Position    int    `json:"Position"`
	Seq         int64  `json:"Seq"`
}

// sequenceEntity is the per-board insertion counter. It lives in the board
// partition so advancing it and adding an item commit together.
type sequenceEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	NextSeq      int64  `json:"NextSeq"`
}

// positionEntity is the merge payload for a position write.
type positionEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	ContainerID  string `json:"ContainerID"`
	Position     int    `json:"Position"`
}

type directoryEntity struct {
	aztables.Entity
	BoardID string `json:"BoardID"`
}

type memberEntity struct {
	aztables.Entity
}

const sequenceRowKey = "sequence"

func containerRowKey(id domain.ContainerID) string    { return entityContainer + "_" + string(id) }
func itemRowKey(id domain.ItemID) string              { return entityItem + "_" + string(id) }
func boardMemberKey(id domain.BoardID) string         { return "board_" + string(id) }
func workspaceMemberKey(id domain.WorkspaceID) string { return "workspace_" + string(id) }

// odataString quotes s as an OData string literal.
func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func itemsFilter(board domain.BoardID, container domain.ContainerID) string {
	return "PartitionKey eq " + odataString(string(board)) +
		" and Type eq " + odataString(entityItem) +
		" and ContainerID eq " + odataString(string(container))
}

func decodeItemEntity(data []byte) (domain.OrderedItem, error) {
	it, _, err := decodeItemSeq(data)
	return it, err
}

func decodeItemSeq(data []byte) (domain.OrderedItem, int64, error) {
	var ent itemEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.OrderedItem{}, 0, err
	}
	return domain.OrderedItem{
		ID:          domain.ItemID(strings.TrimPrefix(ent.RowKey, entityItem+"_")),
		Kind:        domain.ItemKind(ent.Kind),
		ContainerID: domain.ContainerID(ent.ContainerID),
		Position:    ent.Position,
	}, ent.Seq, nil
}

// orderItemEntities decodes listed item entities and sorts them by position,
// then insertion sequence. Entities written without a sequence keep the
// service's RowKey order among themselves.
func orderItemEntities(entities [][]byte) ([]domain.OrderedItem, error) {
	type ranked struct {
		item domain.OrderedItem
		seq  int64
	}
	rows := make([]ranked, 0, len(entities))
	for _, e := range entities {
		it, seq, err := decodeItemSeq(e)
		if err != nil {
			return nil, err
		}
		rows = append(rows, ranked{item: it, seq: seq})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].item.Position != rows[j].item.Position {
			return rows[i].item.Position < rows[j].item.Position
		}
		return rows[i].seq < rows[j].seq
	})
	items := make([]domain.OrderedItem, len(rows))
	for i, r := range rows {
		items[i] = r.item
	}
	return items, nil
}

func positionActions(board domain.BoardID, writes []domain.PositionWrite) ([]aztables.TransactionAction, error) {
	if len(writes) > maxTransactionActions {
		return nil, fmt.Errorf("position write of %d items exceeds the %d item transaction limit", len(writes), maxTransactionActions)
	}
	etag := azcore.ETagAny
	actions := make([]aztables.TransactionAction, 0, len(writes))
	for _, w := range writes {
		payload, err := sonic.Marshal(positionEntity{
			PartitionKey: string(board),
			RowKey:       itemRowKey(w.ItemID),
			ContainerID:  string(w.ContainerID),
			Position:     w.Position,
		})
		if err != nil {
			return nil, err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     payload,
			IfMatch:    &etag,
		})
	}
	return actions, nil
}

func isStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

func isErrorCode(err error, code aztables.TableErrorCode) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == string(code)
}

func (s *TableStore) Ping(ctx context.Context) error {
	_, err := s.svc.GetProperties(ctx, nil)
	return err
}

// boardOf resolves the partition of a container or item.
func (s *TableStore) boardOf(ctx context.Context, kind, id string) (domain.BoardID, error) {
	resp, err := s.directory.GetEntity(ctx, kind, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return "", fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
		}
		return "", err
	}
	var ent directoryEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return "", err
	}
	return domain.BoardID(ent.BoardID), nil
}

func (s *TableStore) putDirectory(ctx context.Context, kind, id string, board domain.BoardID) error {
	payload, err := sonic.Marshal(directoryEntity{
		Entity:  aztables.Entity{PartitionKey: kind, RowKey: id},
		BoardID: string(board),
	})
	if err != nil {
		return err
	}
	_, err = s.directory.AddEntity(ctx, payload, nil)
	return err
}

func (s *TableStore) PutContainer(ctx context.Context, c domain.Container) error {
	if err := validateContainer(c); err != nil {
		return err
	}
	payload, err := sonic.Marshal(containerEntity{
		Entity:      aztables.Entity{PartitionKey: string(c.BoardID), RowKey: containerRowKey(c.ID)},
		Type:        entityContainer,
		Kind:        string(c.Kind),
		WorkspaceID: string(c.WorkspaceID),
	})
	if err != nil {
		return err
	}
	if err := s.putDirectory(ctx, entityContainer, string(c.ID), c.BoardID); err != nil && !isErrorCode(err, aztables.EntityAlreadyExists) {
		return err
	}
	_, err = s.positions.UpsertEntity(ctx, payload, nil)
	return err
}

func (s *TableStore) Container(ctx context.Context, id domain.ContainerID) (domain.Container, error) {
	board, err := s.boardOf(ctx, entityContainer, string(id))
	if err != nil {
		return domain.Container{}, err
	}
	resp, err := s.positions.GetEntity(ctx, string(board), containerRowKey(id), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.Container{}, containerNotFound(id)
		}
		return domain.Container{}, err
	}
	var ent containerEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Container{}, err
	}
	return domain.Container{
		ID:          id,
		Kind:        domain.ContainerKind(ent.Kind),
		BoardID:     board,
		WorkspaceID: domain.WorkspaceID(ent.WorkspaceID),
	}, nil
}

func (s *TableStore) Item(ctx context.Context, id domain.ItemID) (domain.OrderedItem, error) {
	board, err := s.boardOf(ctx, entityItem, string(id))
	if err != nil {
		return domain.OrderedItem{}, err
	}
	resp, err := s.positions.GetEntity(ctx, string(board), itemRowKey(id), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.OrderedItem{}, itemNotFound(id)
		}
		return domain.OrderedItem{}, err
	}
	return decodeItemEntity(resp.Value)
}

// Items lists the container's items sorted by position. Ties keep insertion
// order.
func (s *TableStore) Items(ctx context.Context, id domain.ContainerID) ([]domain.OrderedItem, error) {
	board, err := s.boardOf(ctx, entityContainer, string(id))
	if err != nil {
		return nil, err
	}
	filter := itemsFilter(board, id)
	pager := s.positions.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var entities [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		entities = append(entities, resp.Entities...)
	}
	return orderItemEntities(entities)
}

func (s *TableStore) ApplyPositions(ctx context.Context, writes []domain.PositionWrite) error {
	if len(writes) == 0 {
		return nil
	}
	var board domain.BoardID
	seen := make(map[domain.ContainerID]bool)
	for _, w := range writes {
		if seen[w.ContainerID] {
			continue
		}
		seen[w.ContainerID] = true
		b, err := s.boardOf(ctx, entityContainer, string(w.ContainerID))
		if err != nil {
			return err
		}
		if board != "" && b != board {
			return domain.ValidationError{Field: "containerId", Reason: "writes span more than one board"}
		}
		board = b
	}
	actions, err := positionActions(board, writes)
	if err != nil {
		return err
	}
	if _, err := s.positions.SubmitTransaction(ctx, actions, nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("%w: position write references a missing item", domain.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *TableStore) InsertItem(ctx context.Context, item domain.OrderedItem) error {
	board, err := s.boardOf(ctx, entityContainer, string(item.ContainerID))
	if err != nil {
		return err
	}
	if err := s.putDirectory(ctx, entityItem, string(item.ID), board); err != nil {
		if isErrorCode(err, aztables.EntityAlreadyExists) {
			return itemExists(item.ID)
		}
		return err
	}
	if err := s.addSequenced(ctx, board, item); err != nil {
		_, _ = s.directory.DeleteEntity(ctx, entityItem, string(item.ID), nil)
		return err
	}
	return nil
}

// addSequenced adds the item entity and advances the board's sequence
// counter in one transaction, retrying while other inserts move the counter.
func (s *TableStore) addSequenced(ctx context.Context, board domain.BoardID, item domain.OrderedItem) error {
	var lastErr error
	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		next, etag, err := s.sequence(ctx, board)
		if err != nil {
			return err
		}
		actions, err := sequencedActions(board, item, next, etag)
		if err != nil {
			return err
		}
		_, lastErr = s.positions.SubmitTransaction(ctx, actions, nil)
		if lastErr == nil {
			return nil
		}
		_, nowTag, err := s.sequence(ctx, board)
		if err != nil {
			return err
		}
		if nowTag == etag {
			return lastErr
		}
	}
	return fmt.Errorf("%w: insert into board %s kept racing: %v", domain.ErrBusy, board, lastErr)
}

// sequence returns the next insertion rank for board and the counter's ETag.
// An empty ETag means the counter does not exist yet.
func (s *TableStore) sequence(ctx context.Context, board domain.BoardID) (int64, azcore.ETag, error) {
	resp, err := s.positions.GetEntity(ctx, string(board), sequenceRowKey, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return 1, "", nil
		}
		return 0, "", err
	}
	var ent sequenceEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return 0, "", err
	}
	return ent.NextSeq + 1, resp.ETag, nil
}

func sequencedActions(board domain.BoardID, item domain.OrderedItem, seq int64, etag azcore.ETag) ([]aztables.TransactionAction, error) {
	counter, err := sonic.Marshal(sequenceEntity{PartitionKey: string(board), RowKey: sequenceRowKey, NextSeq: seq})
	if err != nil {
		return nil, err
	}
	payload, err := sonic.Marshal(itemEntity{
		Entity:      aztables.Entity{PartitionKey: string(board), RowKey: itemRowKey(item.ID)},
		Type:        entityItem,
		Kind:        string(item.Kind),
		ContainerID: string(item.ContainerID),
		Position:    item.Position,
		Seq:         seq,
	})
	if err != nil {
		return nil, err
	}
	counterAction := aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: counter}
	if etag != "" {
		counterAction = aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     counter,
			IfMatch:    &etag,
		}
	}
	return []aztables.TransactionAction{
		counterAction,
		{ActionType: aztables.TransactionTypeAdd, Entity: payload},
	}, nil
}

func (s *TableStore) DeleteItem(ctx context.Context, id domain.ItemID) error {
	board, err := s.boardOf(ctx, entityItem, string(id))
	if err != nil {
		return err
	}
	if _, err := s.positions.DeleteEntity(ctx, string(board), itemRowKey(id), nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return itemNotFound(id)
		}
		return err
	}
	_, err = s.directory.DeleteEntity(ctx, entityItem, string(id), nil)
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}
	return nil
}

func (s *TableStore) addMember(ctx context.Context, key string, user domain.UserID) error {
	payload, err := sonic.Marshal(memberEntity{Entity: aztables.Entity{PartitionKey: key, RowKey: string(user)}})
	if err != nil {
		return err
	}
	_, err = s.members.UpsertEntity(ctx, payload, nil)
	return err
}

func (s *TableStore) isMember(ctx context.Context, key string, user domain.UserID) (bool, error) {
	if _, err := s.members.GetEntity(ctx, key, string(user), nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *TableStore) AddBoardMember(ctx context.Context, board domain.BoardID, user domain.UserID) error {
	return s.addMember(ctx, boardMemberKey(board), user)
}

func (s *TableStore) AddWorkspaceMember(ctx context.Context, workspace domain.WorkspaceID, user domain.UserID) error {
	return s.addMember(ctx, workspaceMemberKey(workspace), user)
}

func (s *TableStore) IsBoardMember(ctx context.Context, user domain.UserID, board domain.BoardID) (bool, error) {
	return s.isMember(ctx, boardMemberKey(board), user)
}

func (s *TableStore) IsWorkspaceMember(ctx context.Context, user domain.UserID, workspace domain.WorkspaceID) (bool, error) {
	return s.isMember(ctx, workspaceMemberKey(workspace), user)
}
