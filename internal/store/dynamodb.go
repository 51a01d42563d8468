package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/ent0n29/medintel/internal/language"
)

const (
	skMeta         = "META#"
	skPrefixMsg    = "MSG#"
	ownerIndexName = "owner-index"
	batchLimit     = 25
	// Fixed width so lexical sort key order equals time order.
	sortableTime = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore keeps every conversation in one partition of a single table:
// PK=CONV#<id>, SK=META# for the record and SK=MSG#<time>#<seq> for messages.
// The owner-index GSI (ownerId, updatedAt) serves listing by owner.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	seq       atomic.Int64
}

func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: dynamodb table name must not be empty")
	}
	s := &DynamoStore{api: api, tableName: tableName}
	s.seq.Store(time.Now().UnixNano() % 1_000_000)
	return s, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func msgSK(ts time.Time, seq int64) string {
	return fmt.Sprintf("%s%s#%020d", skPrefixMsg, ts.UTC().Format(sortableTime), seq)
}

func (s *DynamoStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	conv = prepareConversation(conv, uuid.NewString)
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      conversationItem(conv),
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("store: create conversation: %w", err)
	}
	return conv, nil
}

func (s *DynamoStore) FindConversation(ctx context.Context, id string) (Conversation, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(id)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("store: find conversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return Conversation{}, ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return Conversation{}, fmt.Errorf("store: find conversation decode: %w", err)
	}
	return conv, nil
}

// InsertMessage writes the message and bumps the conversation updatedAt in one transaction.
func (s *DynamoStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	msg = prepareMessage(msg, uuid.NewString)
	msg.Seq = s.seq.Add(1)

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                messageItem(msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression:    aws.String("SET updatedAt = :ts"),
					ConditionExpression: aws.String("attribute_exists(PK)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":ts": &types.AttributeValueMemberS{Value: msg.CreatedAt.Format(sortableTime)},
					},
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && len(canceled.CancellationReasons) == 2 &&
			aws.ToString(canceled.CancellationReasons[1].Code) == "ConditionalCheckFailed" {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return msg, nil
}

func (s *DynamoStore) UpdateConversationLanguage(ctx context.Context, id string, lang language.Language, updatedAt time.Time) error {
	in := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(id)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:    aws.String("SET #lang = :lang, updatedAt = :ts"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#lang": "language",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lang": &types.AttributeValueMemberS{Value: string(lang)},
			":ts":   &types.AttributeValueMemberS{Value: updatedAt.UTC().Format(sortableTime)},
		},
	}
	if lang == "" {
		in.UpdateExpression = aws.String("REMOVE #lang SET updatedAt = :ts")
		delete(in.ExpressionAttributeValues, ":lang")
	}

	if _, err := s.api.UpdateItem(ctx, in); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrNotFound
		}
		return fmt.Errorf("store: update conversation language: %w", err)
	}
	return nil
}

// DeleteConversationCascade removes the META# item and every MSG# item of the partition.
func (s *DynamoStore) DeleteConversationCascade(ctx context.Context, id string) error {
	var keys []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: convPK(id)},
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return fmt.Errorf("store: delete conversation query: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	if len(keys) == 0 {
		return ErrNotFound
	}

	for start := 0; start < len(keys); start += batchLimit {
		end := start + batchLimit
		if end > len(keys) {
			end = len(keys)
		}
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}
		if err := s.batchDelete(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoStore) batchDelete(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.tableName: requests}
	for attempt := 0; attempt < 5 && len(pending[s.tableName]) > 0; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("store: delete conversation batch: %w", err)
		}
		if out == nil {
			return nil
		}
		pending = out.UnprocessedItems
	}
	if len(pending[s.tableName]) > 0 {
		return fmt.Errorf("store: delete conversation batch: %d items unprocessed", len(pending[s.tableName]))
	}
	return nil
}

func (s *DynamoStore) ListMessages(ctx context.Context, conversationID string, order Order, limit int) ([]Message, error) {
	var msgs []Message
	var startKey map[string]types.AttributeValue
	for {
		in := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			},
			// Newest first so a limit keeps the most recent context.
			ScanIndexForward:  aws.Bool(false),
			ExclusiveStartKey: startKey,
		}
		if limit > 0 {
			in.Limit = aws.Int32(int32(limit - len(msgs)))
		}
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("store: list messages query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("store: list messages decode: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 || (limit > 0 && len(msgs) >= limit) {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	if msgs == nil {
		msgs = []Message{}
	}
	if order == Ascending {
		reverseMessages(msgs)
	}
	return msgs, nil
}

func (s *DynamoStore) ListConversations(ctx context.Context, ownerID string, order Order, limit int) ([]Conversation, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(ownerIndexName),
		KeyConditionExpression: aws.String("ownerId = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: ownerID},
		},
		ScanIndexForward: aws.Bool(order == Ascending),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations query: %w", err)
	}
	convs := make([]Conversation, 0, len(out.Items))
	for _, item := range out.Items {
		conv, err := itemToConversation(item)
		if err != nil {
			return nil, fmt.Errorf("store: list conversations decode: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

func (s *DynamoStore) Close() error { return nil }

func conversationItem(conv Conversation) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"ownerId":        &types.AttributeValueMemberS{Value: conv.UserID},
		"createdAt":      &types.AttributeValueMemberS{Value: conv.CreatedAt.Format(sortableTime)},
		"updatedAt":      &types.AttributeValueMemberS{Value: conv.UpdatedAt.Format(sortableTime)},
	}
	if conv.Language != "" {
		item["language"] = &types.AttributeValueMemberS{Value: string(conv.Language)}
	}
	return item
}

func messageItem(msg Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, msg.Seq)},
		"messageId":      &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.Format(sortableTime)},
		"seq":            &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.Seq, 10)},
	}
	if msg.Attachment != nil {
		item["fileInfo"] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"filename":  &types.AttributeValueMemberS{Value: msg.Attachment.Filename},
			"mediaType": &types.AttributeValueMemberS{Value: msg.Attachment.MediaType},
			"size":      &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.Attachment.Size, 10)},
		}}
	}
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return Conversation{}, err
	}
	owner, err := strAttr(item, "ownerId")
	if err != nil {
		return Conversation{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return Conversation{}, err
	}
	updated, err := timeAttr(item, "updatedAt")
	if err != nil {
		return Conversation{}, err
	}
	lang, _ := strAttr(item, "language") // absent means unset
	return Conversation{
		ID:        id,
		UserID:    owner,
		Language:  language.Language(lang),
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return Message{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return Message{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return Message{}, err
	}
	seq, err := intAttr(item, "seq")
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:             id,
		ConversationID: convID,
		Role:           Role(role),
		Content:        content,
		CreatedAt:      created,
		Seq:            seq,
	}
	if m, ok := item["fileInfo"].(*types.AttributeValueMemberM); ok {
		info := &AttachmentInfo{}
		info.Filename, _ = strAttr(m.Value, "filename")
		info.MediaType, _ = strAttr(m.Value, "mediaType")
		info.Size, _ = intAttr(m.Value, "size")
		msg.Attachment = info
	}
	return msg, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("store: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("store: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("store: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("store: attribute %q is not a number", key)
	}
	out, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: attribute %q: %w", key, err)
	}
	return out, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(sortableTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: attribute %q: %w", key, err)
	}
	return t.UTC(), nil
}
