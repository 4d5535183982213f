package server

import (
	"context"

	"github.com/showif/showif/internal/core"
	"github.com/showif/showif/internal/repository"
	"github.com/showif/showif/internal/service"
)

type Service interface {
	CreateSet(ctx context.Context, set repository.QuestionSet) (repository.QuestionSet, error)
	GetSet(ctx context.Context, id string) (repository.QuestionSet, error)
	ListSets(ctx context.Context) ([]repository.QuestionSet, error)
	DeleteSet(ctx context.Context, id string) error
	ListItems(ctx context.Context, setID string) ([]core.Item, error)
	GetItem(ctx context.Context, setID, itemID string) (core.Item, error)
	CreateItem(ctx context.Context, item core.Item) (core.Item, error)
	UpdateItem(ctx context.Context, item core.Item) (core.Item, error)
	MoveItem(ctx context.Context, setID, itemID string, newSeqno int) ([]core.Warning, error)
	DeleteItem(ctx context.Context, setID, itemID string) ([]string, error)
	SaveCondition(ctx context.Context, setID, itemID string, raw []byte) (core.Condition, []service.Advisory, error)
	DependencyMap(ctx context.Context, setID string) (core.DependencyMap, error)
	Visibility(ctx context.Context, setID string, answers map[string]core.AnswerValue) (map[string]bool, error)
	ListEventsSince(ctx context.Context, setID string, eventID int64) ([]repository.SetEvent, error)
}

var _ Service = (*service.Service)(nil)
