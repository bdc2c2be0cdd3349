package dynamo

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"txrelay/internal/application"
	"txrelay/internal/domain"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ application.ShardStore = (*Store)(nil)

// fakeDynamo keeps items in memory and can hold back writes the way the
// service does under throttling.
type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI
	mu          sync.Mutex
	items       map[string]map[string]*dynamodb.AttributeValue
	balances    map[string]*big.Int
	tokens      map[string]int64
	holdBack    int
	writeCalls  int
	largestSent int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:    make(map[string]map[string]*dynamodb.AttributeValue),
		balances: make(map[string]*big.Int),
		tokens:   make(map[string]int64),
	}
}

func (f *fakeDynamo) BatchWriteItemWithContext(_ aws.Context, in *dynamodb.BatchWriteItemInput, _ ...request.Option) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++
	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]*dynamodb.WriteRequest{}}
	for table, requests := range in.RequestItems {
		f.largestSent = max(f.largestSent, len(requests))
		for _, req := range requests {
			if f.holdBack > 0 {
				f.holdBack--
				out.UnprocessedItems[table] = append(out.UnprocessedItems[table], req)
				continue
			}
			f.items[aws.StringValue(req.PutRequest.Item["pk"].S)] = req.PutRequest.Item
		}
	}
	return out, nil
}

func (f *fakeDynamo) BatchGetItemWithContext(_ aws.Context, in *dynamodb.BatchGetItemInput, _ ...request.Option) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]*dynamodb.AttributeValue{}}
	for table, keys := range in.RequestItems {
		for _, key := range keys.Keys {
			if item, ok := f.items[aws.StringValue(key["pk"].S)]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

// TransactWriteItemsWithContext supports the token put plus balance add
// pair ApplyBalance sends, all or nothing.
func (f *fakeDynamo) TransactWriteItemsWithContext(_ aws.Context, in *dynamodb.TransactWriteItemsInput, _ ...request.Option) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reasons := make([]*dynamodb.CancellationReason, len(in.TransactItems))
	failed := false
	for i, item := range in.TransactItems {
		reasons[i] = &dynamodb.CancellationReason{Code: aws.String("None")}
		if item.Put == nil || aws.StringValue(item.Put.ConditionExpression) != "attribute_not_exists(pk)" {
			continue
		}
		if _, exists := f.tokens[aws.StringValue(item.Put.Item["pk"].S)]; exists {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &dynamodb.TransactionCanceledException{
			Message_:            aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, item := range in.TransactItems {
		switch {
		case item.Put != nil:
			expires, _ := strconv.ParseInt(aws.StringValue(item.Put.Item["expires_at"].N), 10, 64)
			f.tokens[aws.StringValue(item.Put.Item["pk"].S)] = expires
		case item.Update != nil:
			pk := aws.StringValue(item.Update.Key["pk"].S)
			delta, _ := new(big.Int).SetString(aws.StringValue(item.Update.ExpressionAttributeValues[":delta"].N), 10)
			if f.balances[pk] == nil {
				f.balances[pk] = new(big.Int)
			}
			f.balances[pk].Add(f.balances[pk], delta)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[aws.StringValue(in.Key["pk"].S)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: map[string]*dynamodb.AttributeValue{"balance": {N: aws.String(balance.String())}}}, nil
}

func records(n int) []domain.TransactionLogRecord {
	out := make([]domain.TransactionLogRecord, n)
	for i := range out {
		out[i] = domain.TransactionLogRecord{ChainID: 1, Hash: fmt.Sprintf("0x%02d", i), UUID: fmt.Sprintf("u%d", i), BlockNumber: 10}
	}
	return out
}

func TestStore_BatchPutChunksAndReportsUnprocessed(t *testing.T) {
	api := newFakeDynamo()
	api.holdBack = 3
	store := NewStoreFromAPI(api, "shard_a_")

	unprocessed, err := store.BatchPutLogs(context.Background(), records(30))
	require.NoError(t, err)
	assert.Equal(t, 2, api.writeCalls)
	assert.Equal(t, maxWriteBatch, api.largestSent)
	require.Len(t, unprocessed, 3)
	assert.Equal(t, "0x00", unprocessed[0].Hash)

	unprocessed, err = store.BatchPutLogs(context.Background(), unprocessed)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	got, err := store.BatchGetLogs(context.Background(), 1, []string{"0x00", "0x29", "0x99"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u0", got[0].UUID)
}

func TestStore_ApplyBalanceOncePerToken(t *testing.T) {
	store := NewStoreFromAPI(newFakeDynamo(), "shard_a_")
	ctx := context.Background()
	adj := domain.BalanceAdjustment{ChainID: 1, Contract: "0xC", Address: "0xA", Delta: big.NewInt(12)}

	applied, err := store.ApplyBalance(ctx, adj, "scan:1:0")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = store.ApplyBalance(ctx, adj, "scan:1:0")
	require.NoError(t, err)
	assert.False(t, applied)

	balance, err := store.GetBalance(ctx, 1, "0xc", "0xa")
	require.NoError(t, err)
	assert.Equal(t, "12", balance.Amount)

	missing, err := store.GetBalance(ctx, 1, "0xc", "0xb")
	require.NoError(t, err)
	assert.Equal(t, "0", missing.Amount)
}

func TestStore_TokensAreSeparateExpiringItems(t *testing.T) {
	api := newFakeDynamo()
	store := NewStoreFromAPI(api, "shard_a_")
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()
	adj := domain.BalanceAdjustment{ChainID: 1, Contract: "0xC", Address: "0xA", Delta: big.NewInt(1)}

	const batches = 500
	for i := 0; i < batches; i++ {
		applied, err := store.ApplyBalance(ctx, adj, fmt.Sprintf("scanner-0:%d:0", i))
		require.NoError(t, err)
		require.True(t, applied)
	}
	applied, err := store.ApplyBalance(ctx, adj, "scanner-0:7:0")
	require.NoError(t, err)
	assert.False(t, applied)

	balance, err := store.GetBalance(ctx, 1, "0xc", "0xa")
	require.NoError(t, err)
	assert.Equal(t, "500", balance.Amount)
	require.Len(t, api.tokens, batches)
	assert.Equal(t, now.Add(defaultTokenTTL).Unix(), api.tokens["1#0xc#0xa#token#scanner-0:7:0"])
}

func TestTokenAlreadyApplied(t *testing.T) {
	conditional := &dynamodb.TransactionCanceledException{
		Message_:            aws.String("cancelled"),
		CancellationReasons: []*dynamodb.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}, {Code: aws.String("None")}},
	}
	conflict := &dynamodb.TransactionCanceledException{
		Message_:            aws.String("cancelled"),
		CancellationReasons: []*dynamodb.CancellationReason{{Code: aws.String("None")}, {Code: aws.String("TransactionConflict")}},
	}
	assert.True(t, tokenAlreadyApplied(conditional))
	assert.False(t, tokenAlreadyApplied(conflict))
	assert.False(t, tokenAlreadyApplied(awserr.New(dynamodb.ErrCodeProvisionedThroughputExceededException, "slow down", nil)))
}
