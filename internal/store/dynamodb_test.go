package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/medintel/internal/language"
)

type fakeDynamo struct {
	getOut     *dynamodb.GetItemOutput
	getErr     error
	updateErr  error
	queryOuts  []*dynamodb.QueryOutput
	queryErr   error
	txErr      error
	batchOuts  []*dynamodb.BatchWriteItemOutput
	lastPut    *dynamodb.PutItemInput
	lastUpdate *dynamodb.UpdateItemInput
	queries    []*dynamodb.QueryInput
	lastTx     *dynamodb.TransactWriteItemsInput
	batches    []*dynamodb.BatchWriteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPut = in
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdate = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTx = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batches = append(f.batches, in)
	if len(f.batchOuts) == 0 {
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	out := f.batchOuts[0]
	f.batchOuts = f.batchOuts[1:]
	return out, nil
}

func mustNewDynamoStore(t *testing.T, db *fakeDynamo) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "test-table")
	require.NoError(t, err)
	return s
}

func TestNewDynamoStoreValidates(t *testing.T) {
	_, err := NewDynamoStore(nil, "t")
	require.ErrorContains(t, err, "must not be nil")
	_, err = NewDynamoStore(&fakeDynamo{}, " ")
	require.ErrorContains(t, err, "table name")
}

func TestDynamoCreateAndFindConversationRoundTrip(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamoStore(t, db)
	created := time.Date(2026, 3, 4, 5, 6, 7, 800, time.UTC)

	conv, err := s.CreateConversation(context.Background(), Conversation{ID: "abc", UserID: "u1", Language: language.Hindi, CreatedAt: created})
	require.NoError(t, err)
	require.Equal(t, "CONV#abc", db.lastPut.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skMeta, db.lastPut.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "u1", db.lastPut.Item["ownerId"].(*types.AttributeValueMemberS).Value)

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPut.Item}
	found, err := s.FindConversation(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, conv, found)
}

func TestDynamoFindConversationMissing(t *testing.T) {
	s := mustNewDynamoStore(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := s.FindConversation(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoInsertMessageWritesTransaction(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamoStore(t, db)

	msg, err := s.InsertMessage(context.Background(), Message{
		ConversationID: "abc",
		Role:           RoleUser,
		Content:        "hello",
		Attachment:     &AttachmentInfo{Filename: "x.png", MediaType: "image/png", Size: 9},
	})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.Len(t, db.lastTx.TransactItems, 2)

	item := db.lastTx.TransactItems[0].Put.Item
	decoded, err := itemToMessage(item)
	require.NoError(t, err)
	require.Equal(t, msg.ID, decoded.ID)
	require.Equal(t, "x.png", decoded.Attachment.Filename)
	require.Equal(t, int64(9), decoded.Attachment.Size)
	require.Equal(t, "attribute_exists(PK)", aws.ToString(db.lastTx.TransactItems[1].Update.ConditionExpression))
}

func TestDynamoInsertMessageUnknownConversation(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		},
	}}
	s := mustNewDynamoStore(t, db)
	_, err := s.InsertMessage(context.Background(), Message{ConversationID: "missing", Role: RoleUser, Content: "x"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoUpdateLanguageConditionFailure(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	s := mustNewDynamoStore(t, db)
	err := s.UpdateConversationLanguage(context.Background(), "missing", language.Urdu, time.Now())
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, "urdu", db.lastUpdate.ExpressionAttributeValues[":lang"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoListMessagesReturnsChronological(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newest := messageItem(Message{ID: "m2", ConversationID: "abc", Role: RoleAssistant, Content: "second", CreatedAt: t0.Add(time.Second), Seq: 2})
	oldest := messageItem(Message{ID: "m1", ConversationID: "abc", Role: RoleUser, Content: "first", CreatedAt: t0, Seq: 1})
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{newest, oldest}}}}
	s := mustNewDynamoStore(t, db)

	msgs, err := s.ListMessages(context.Background(), "abc", Ascending, 100)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, contents(msgs))
	require.False(t, aws.ToBool(db.queries[0].ScanIndexForward))
	require.Equal(t, int32(100), aws.ToInt32(db.queries[0].Limit))
}

func TestDynamoListMessagesQueryError(t *testing.T) {
	s := mustNewDynamoStore(t, &fakeDynamo{queryErr: errors.New("boom")})
	_, err := s.ListMessages(context.Background(), "abc", Ascending, 0)
	require.ErrorContains(t, err, "boom")
}

func TestDynamoDeleteCascadeBatchesAllItems(t *testing.T) {
	page1 := make([]map[string]types.AttributeValue, 0, 30)
	for i := 0; i < 30; i++ {
		page1 = append(page1, map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "CONV#abc"},
			"SK": &types.AttributeValueMemberS{Value: msgSK(time.Unix(int64(i), 0), int64(i))},
		})
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: page1, LastEvaluatedKey: page1[29]},
		{Items: []map[string]types.AttributeValue{{
			"PK": &types.AttributeValueMemberS{Value: "CONV#abc"},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		}}},
	}}
	s := mustNewDynamoStore(t, db)

	require.NoError(t, s.DeleteConversationCascade(context.Background(), "abc"))
	require.Len(t, db.queries, 2)
	require.Len(t, db.batches, 2)
	require.Len(t, db.batches[0].RequestItems["test-table"], 25)
	require.Len(t, db.batches[1].RequestItems["test-table"], 6)
}

func TestDynamoDeleteCascadeMissing(t *testing.T) {
	s := mustNewDynamoStore(t, &fakeDynamo{})
	require.ErrorIs(t, s.DeleteConversationCascade(context.Background(), "abc"), ErrNotFound)
}

func TestDynamoListConversationsUsesOwnerIndex(t *testing.T) {
	conv := prepareConversation(Conversation{ID: "c1", UserID: "u1"}, func() string { return "unused" })
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{conversationItem(conv)}}}}
	s := mustNewDynamoStore(t, db)

	convs, err := s.ListConversations(context.Background(), "u1", Descending, 100)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "c1", convs[0].ID)
	require.Equal(t, ownerIndexName, aws.ToString(db.queries[0].IndexName))
	require.False(t, aws.ToBool(db.queries[0].ScanIndexForward))
}
