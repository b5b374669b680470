package dynamo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dkeye/jamsync/internal/domain"
)

type fakeDynamo struct {
	items    map[string]map[string]types.AttributeValue
	updates  []*dynamodb.UpdateItemInput
	failCond bool
}

func newFake() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(table string, k map[string]types.AttributeValue) string {
	for name, v := range k {
		return table + "/" + name + "/" + v.(*types.AttributeValueMemberS).Value
	}
	return table
}

func condErr() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("condition")}
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(*in.TableName, in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	var k map[string]types.AttributeValue
	for _, name := range []string{"id", "token"} {
		if v, ok := in.Item[name]; ok {
			k = map[string]types.AttributeValue{name: v}
		}
	}
	ik := itemKey(*in.TableName, k)
	if _, exists := f.items[ik]; exists && in.ConditionExpression != nil {
		return nil, condErr()
	}
	f.items[ik] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	if f.failCond {
		return nil, condErr()
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, itemKey(*in.TableName, in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func newTestStore() (*Store, *fakeDynamo) {
	f := newFake()
	return &Store{client: f, tables: Tables{Sessions: "sessions", Users: "users", UserSessions: "user-sessions"}}, f
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	rec := domain.NewSessionRecord("s1", "owner", time.UnixMilli(1700000000000))
	rec.Collaborators["alice"] = domain.CollaboratorMeta{JoinedAt: time.UnixMilli(1700000000500)}

	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateSession(ctx, rec); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Owner != "owner" || got.Status != domain.StatusInitialized {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.Collaborators["alice"].JoinedAt.Equal(time.UnixMilli(1700000000500)) {
		t.Fatalf("collaborator join time lost: %+v", got.Collaborators)
	}
	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceStatusConditionListsEarlierStatuses(t *testing.T) {
	ctx := context.Background()
	s, f := newTestStore()
	if err := s.AdvanceStatus(ctx, "s1", domain.StatusFinished); err != nil {
		t.Fatal(err)
	}
	in := f.updates[0]
	if got := *in.ConditionExpression; got != "#status IN (:p0, :p1)" {
		t.Fatalf("condition %q", got)
	}
	if v := in.ExpressionAttributeValues[":p1"].(*types.AttributeValueMemberS).Value; v != "active" {
		t.Fatalf(":p1 = %q", v)
	}
	if err := s.AdvanceStatus(ctx, "s1", domain.StatusInitialized); !errors.Is(err, domain.ErrConditionFailed) {
		t.Fatalf("advance to initialized: %v", err)
	}
}

func TestConditionalFailuresMapToDomainErrors(t *testing.T) {
	ctx := context.Background()
	s, f := newTestStore()
	f.failCond = true

	if err := s.AddCollaborator(ctx, "s1", "alice", time.Now(), 3); !errors.Is(err, domain.ErrConditionFailed) {
		t.Fatalf("add collaborator: %v", err)
	}
	if !strings.Contains(*f.updates[0].ConditionExpression, "size(collaborators) < :limit") {
		t.Fatalf("capacity not enforced in condition: %q", *f.updates[0].ConditionExpression)
	}
	if v := f.updates[0].ExpressionAttributeValues[":limit"].(*types.AttributeValueMemberN).Value; v != "3" {
		t.Fatalf("limit %q", v)
	}
	if err := s.ClearCurrentSession(ctx, "alice", "s1"); !errors.Is(err, domain.ErrConditionFailed) {
		t.Fatalf("clear pointer: %v", err)
	}
	if err := s.SetCurrentSession(ctx, "ghost", "s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("set pointer on missing account: %v", err)
	}
}

func TestUserSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	us := domain.NewUserSession("alice", time.UnixMilli(1000))
	if err := s.CreateUserSession(ctx, us); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetUserSession(ctx, us.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "alice" || got.CreatedAt.UnixMilli() != 1000 {
		t.Fatalf("unexpected user session %+v", got)
	}
}
