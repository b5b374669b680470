// Package dynamo stores sessions, accounts and user sessions in DynamoDB.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/domain"
)

type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type Tables struct {
	Sessions     string
	Users        string
	UserSessions string
}

type Store struct {
	client dynamoAPI
	tables Tables
}

func New(ctx context.Context, region string, tables Tables) (*Store, error) {
	if strings.TrimSpace(region) == "" {
		return nil, fmt.Errorf("missing region")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "storage.dynamo").Str("region", region).Str("sessions", tables.Sessions).Msg("dynamodb store ready")
	return &Store{client: dynamodb.NewFromConfig(cfg), tables: tables}, nil
}

type collaboratorItem struct {
	JoinedAt int64 `dynamodbav:"joinedAt"`
}

type sessionItem struct {
	ID            string                      `dynamodbav:"id"`
	Owner         string                      `dynamodbav:"owner"`
	Collaborators map[string]collaboratorItem `dynamodbav:"collaborators"`
	Status        string                      `dynamodbav:"status"`
	CreatedAt     int64                       `dynamodbav:"createdAt"`
}

type accountItem struct {
	ID        string `dynamodbav:"id"`
	Username  string `dynamodbav:"username"`
	SessionID string `dynamodbav:"sessionId,omitempty"`
}

type userSessionItem struct {
	Token     string `dynamodbav:"token"`
	UserID    string `dynamodbav:"userId"`
	CreatedAt int64  `dynamodbav:"createdAt"`
	LastSeen  int64  `dynamodbav:"lastSeen"`
}

func toSessionItem(rec *domain.SessionRecord) sessionItem {
	item := sessionItem{
		ID:            string(rec.ID),
		Owner:         string(rec.Owner),
		Collaborators: make(map[string]collaboratorItem, len(rec.Collaborators)),
		Status:        string(rec.Status),
		CreatedAt:     rec.CreatedAt.UnixMilli(),
	}
	for uid, meta := range rec.Collaborators {
		item.Collaborators[string(uid)] = collaboratorItem{JoinedAt: meta.JoinedAt.UnixMilli()}
	}
	return item
}

func (it sessionItem) record() *domain.SessionRecord {
	rec := domain.NewSessionRecord(domain.SessionID(it.ID), domain.UserID(it.Owner), time.UnixMilli(it.CreatedAt))
	rec.Status = domain.Status(it.Status)
	for uid, meta := range it.Collaborators {
		rec.Collaborators[domain.UserID(uid)] = domain.CollaboratorMeta{JoinedAt: time.UnixMilli(meta.JoinedAt)}
	}
	return rec
}

func key(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{name: &types.AttributeValueMemberS{Value: value}}
}

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

// mapCondErr turns a failed condition into onFail and passes other errors through.
func mapCondErr(err error, onFail error) error {
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return onFail
	}
	return err
}

func (s *Store) CreateSession(ctx context.Context, rec *domain.SessionRecord) error {
	item, err := attributevalue.MarshalMap(toSessionItem(rec))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Sessions),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	return mapCondErr(err, domain.ErrAlreadyExists)
}

func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Sessions),
		Key:            key("id", string(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, domain.ErrNotFound
	}
	var item sessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return item.record(), nil
}

func (s *Store) AddCollaborator(ctx context.Context, id domain.SessionID, uid domain.UserID, joinedAt time.Time, limit int) error {
	meta, err := attributevalue.Marshal(collaboratorItem{JoinedAt: joinedAt.UnixMilli()})
	if err != nil {
		return err
	}
	cond := "attribute_exists(id) AND #status = :active AND " +
		"(attribute_exists(collaborators.#uid) OR size(collaborators) < :limit)"
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tables.Sessions),
		Key:                      key("id", string(id)),
		UpdateExpression:         aws.String("SET collaborators.#uid = if_not_exists(collaborators.#uid, :meta)"),
		ConditionExpression:      aws.String(cond),
		ExpressionAttributeNames: map[string]string{"#uid": string(uid), "#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":meta":   meta,
			":active": str(string(domain.StatusActive)),
			":limit":  &types.AttributeValueMemberN{Value: fmt.Sprint(limit)},
		},
	})
	return mapCondErr(err, domain.ErrConditionFailed)
}

func (s *Store) RemoveCollaborator(ctx context.Context, id domain.SessionID, uid domain.UserID) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tables.Sessions),
		Key:                      key("id", string(id)),
		UpdateExpression:         aws.String("REMOVE collaborators.#uid"),
		ConditionExpression:      aws.String("attribute_exists(id)"),
		ExpressionAttributeNames: map[string]string{"#uid": string(uid)},
	})
	return mapCondErr(err, domain.ErrNotFound)
}

func (s *Store) AdvanceStatus(ctx context.Context, id domain.SessionID, to domain.Status) error {
	prev := to.Preceding()
	if len(prev) == 0 {
		return domain.ErrConditionFailed
	}
	values := map[string]types.AttributeValue{":to": str(string(to))}
	placeholders := make([]string, 0, len(prev))
	for i, st := range prev {
		ph := fmt.Sprintf(":p%d", i)
		placeholders = append(placeholders, ph)
		values[ph] = str(string(st))
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Sessions),
		Key:                       key("id", string(id)),
		UpdateExpression:          aws.String("SET #status = :to"),
		ConditionExpression:       aws.String("#status IN (" + strings.Join(placeholders, ", ") + ")"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	return mapCondErr(err, domain.ErrConditionFailed)
}

func (s *Store) DeleteSession(ctx context.Context, id domain.SessionID) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.Sessions),
		Key:       key("id", string(id)),
	})
	return err
}

func (s *Store) CreateAccount(ctx context.Context, acc *domain.Account) error {
	item, err := attributevalue.MarshalMap(accountItem{
		ID:        string(acc.ID),
		Username:  acc.Username,
		SessionID: string(acc.CurrentSession),
	})
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Users),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	return mapCondErr(err, domain.ErrAlreadyExists)
}

func (s *Store) GetAccount(ctx context.Context, id domain.UserID) (*domain.Account, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Users),
		Key:            key("id", string(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, domain.ErrNotFound
	}
	var item accountItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	return &domain.Account{
		ID:             domain.UserID(item.ID),
		Username:       item.Username,
		CurrentSession: domain.SessionID(item.SessionID),
	}, nil
}

func (s *Store) SetCurrentSession(ctx context.Context, id domain.UserID, sid domain.SessionID) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Users),
		Key:                       key("id", string(id)),
		UpdateExpression:          aws.String("SET sessionId = :sid"),
		ConditionExpression:       aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":sid": str(string(sid))},
	})
	return mapCondErr(err, domain.ErrNotFound)
}

func (s *Store) ClearCurrentSession(ctx context.Context, id domain.UserID, expected domain.SessionID) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Users),
		Key:                       key("id", string(id)),
		UpdateExpression:          aws.String("REMOVE sessionId"),
		ConditionExpression:       aws.String("sessionId = :sid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":sid": str(string(expected))},
	})
	return mapCondErr(err, domain.ErrConditionFailed)
}

func (s *Store) CreateUserSession(ctx context.Context, us *domain.UserSession) error {
	item, err := attributevalue.MarshalMap(userSessionItem{
		Token:     us.Token,
		UserID:    string(us.UserID),
		CreatedAt: us.CreatedAt.UnixMilli(),
		LastSeen:  us.LastSeen.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal user session: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tables.UserSessions),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#token)"),
		ExpressionAttributeNames: map[string]string{"#token": "token"},
	})
	return mapCondErr(err, domain.ErrAlreadyExists)
}

func (s *Store) GetUserSession(ctx context.Context, token string) (*domain.UserSession, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.UserSessions),
		Key:       key("token", token),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, domain.ErrNotFound
	}
	var item userSessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal user session: %w", err)
	}
	return &domain.UserSession{
		Token:     item.Token,
		UserID:    domain.UserID(item.UserID),
		CreatedAt: time.UnixMilli(item.CreatedAt),
		LastSeen:  time.UnixMilli(item.LastSeen),
	}, nil
}

func (s *Store) TouchUserSession(ctx context.Context, token string, at time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.UserSessions),
		Key:                       key("token", token),
		UpdateExpression:          aws.String("SET lastSeen = :at"),
		ConditionExpression:       aws.String("attribute_exists(#token)"),
		ExpressionAttributeNames:  map[string]string{"#token": "token"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":at": &types.AttributeValueMemberN{Value: fmt.Sprint(at.UnixMilli())}},
	})
	return mapCondErr(err, domain.ErrNotFound)
}
