package dynamo

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"txrelay/internal/domain"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxWriteBatch = 25
	maxGetBatch   = 100
	maxGetRounds  = 5

	defaultTokenTTL = 30 * 24 * time.Hour
)

type Config struct {
	Region   string
	Endpoint string
	// TablePrefix names the shard: {prefix}transaction_log and {prefix}balances.
	TablePrefix string
	// TokenTTL is how long an applied-token item is kept; the balances
	// table expires items on "expires_at".
	TokenTTL time.Duration
}

// Store is one ledger shard backed by two DynamoDB tables keyed by "pk".
// Applied balance tokens live in the balances table as their own items,
// next to the balance they guard.
type Store struct {
	api           dynamodbiface.DynamoDBAPI
	logTable      string
	balancesTable string
	tokenTTL      time.Duration
	now           func() time.Time
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.TablePrefix == "" {
		return nil, errors.New("dynamo table prefix is required")
	}
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	store := NewStoreFromAPI(dynamodb.New(sess), cfg.TablePrefix)
	if cfg.TokenTTL > 0 {
		store.tokenTTL = cfg.TokenTTL
	}
	return store, nil
}

func NewStoreFromAPI(api dynamodbiface.DynamoDBAPI, tablePrefix string) *Store {
	return &Store{
		api:           api,
		logTable:      tablePrefix + "transaction_log",
		balancesTable: tablePrefix + "balances",
		tokenTTL:      defaultTokenTTL,
		now:           time.Now,
	}
}

type logItem struct {
	PK string `dynamodbav:"pk"`
	domain.TransactionLogRecord
}

// BatchPutLogs writes records in chunks of 25 and returns whatever the
// service left in UnprocessedItems.
func (s *Store) BatchPutLogs(ctx context.Context, records []domain.TransactionLogRecord) ([]domain.TransactionLogRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}
	ctx, span := startSpan(ctx, "dynamo.BatchPutLogs", attribute.Int("record.count", len(records)))
	defer span.End()

	// A batch may not name the same key twice; the last write wins.
	byKey := make(map[string]domain.TransactionLogRecord, len(records))
	var keys []string
	for _, record := range records {
		key := logKey(record.ChainID, record.Hash)
		if _, seen := byKey[key]; !seen {
			keys = append(keys, key)
		}
		byKey[key] = record
	}

	var unprocessed []domain.TransactionLogRecord
	for start := 0; start < len(keys); start += maxWriteBatch {
		end := min(start+maxWriteBatch, len(keys))
		requests := make([]*dynamodb.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			item, err := dynamodbattribute.MarshalMap(logItem{PK: key, TransactionLogRecord: byKey[key]})
			if err != nil {
				recordError(span, err)
				return nil, err
			}
			requests = append(requests, &dynamodb.WriteRequest{PutRequest: &dynamodb.PutRequest{Item: item}})
		}
		out, err := s.api.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]*dynamodb.WriteRequest{s.logTable: requests},
		})
		if err != nil {
			recordError(span, err)
			return nil, err
		}
		for _, req := range out.UnprocessedItems[s.logTable] {
			if req.PutRequest == nil {
				continue
			}
			pk := aws.StringValue(req.PutRequest.Item["pk"].S)
			if record, ok := byKey[pk]; ok {
				unprocessed = append(unprocessed, record)
			}
		}
	}
	span.SetAttributes(attribute.Int("record.unprocessed", len(unprocessed)))
	return unprocessed, nil
}

func (s *Store) BatchGetLogs(ctx context.Context, chainID uint64, hashes []string) ([]domain.TransactionLogRecord, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	ctx, span := startSpan(ctx, "dynamo.BatchGetLogs", attribute.Int("hash.count", len(hashes)))
	defer span.End()

	var records []domain.TransactionLogRecord
	for start := 0; start < len(hashes); start += maxGetBatch {
		end := min(start+maxGetBatch, len(hashes))
		keys := make([]map[string]*dynamodb.AttributeValue, 0, end-start)
		seen := make(map[string]bool, end-start)
		for _, hash := range hashes[start:end] {
			key := logKey(chainID, hash)
			if seen[key] {
				continue
			}
			seen[key] = true
			keys = append(keys, map[string]*dynamodb.AttributeValue{"pk": {S: aws.String(key)}})
		}
		request := map[string]*dynamodb.KeysAndAttributes{s.logTable: {Keys: keys, ConsistentRead: aws.Bool(true)}}
		for round := 0; len(request) > 0; round++ {
			if round == maxGetRounds {
				err := fmt.Errorf("batch get left %d keys unprocessed", len(request[s.logTable].Keys))
				recordError(span, err)
				return nil, err
			}
			out, err := s.api.BatchGetItemWithContext(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				recordError(span, err)
				return nil, err
			}
			for _, item := range out.Responses[s.logTable] {
				var decoded logItem
				if err := dynamodbattribute.UnmarshalMap(item, &decoded); err != nil {
					recordError(span, err)
					return nil, err
				}
				records = append(records, decoded.TransactionLogRecord)
			}
			request = out.UnprocessedKeys
		}
	}
	return records, nil
}

// ApplyBalance writes the token item and adds the delta in one
// transaction. The token put is conditional on the item not existing, so
// a replayed token cancels the transaction and is reported as not applied.
func (s *Store) ApplyBalance(ctx context.Context, adj domain.BalanceAdjustment, token string) (bool, error) {
	if adj.Delta == nil {
		return false, nil
	}
	ctx, span := startSpan(ctx, "dynamo.ApplyBalance",
		attribute.String("balance.address", strings.ToLower(adj.Address)),
		attribute.String("balance.token", token),
	)
	defer span.End()

	pk := balanceKey(adj.ChainID, adj.Contract, adj.Address)
	expiresAt := s.now().Add(s.tokenTTL).Unix()
	_, err := s.api.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []*dynamodb.TransactWriteItem{
			{Put: &dynamodb.Put{
				TableName: aws.String(s.balancesTable),
				Item: map[string]*dynamodb.AttributeValue{
					"pk":         {S: aws.String(tokenKey(pk, token))},
					"expires_at": {N: aws.String(strconv.FormatInt(expiresAt, 10))},
				},
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Update: &dynamodb.Update{
				TableName:        aws.String(s.balancesTable),
				Key:              map[string]*dynamodb.AttributeValue{"pk": {S: aws.String(pk)}},
				UpdateExpression: aws.String("ADD balance :delta"),
				ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
					":delta": {N: aws.String(adj.Delta.String())},
				},
			}},
		},
	})
	if err != nil {
		if tokenAlreadyApplied(err) {
			return false, nil
		}
		recordError(span, err)
		return false, err
	}
	return true, nil
}

// tokenAlreadyApplied reports a transaction cancelled only because the
// token item's condition failed.
func tokenAlreadyApplied(err error) bool {
	var canceled *dynamodb.TransactionCanceledException
	if !errors.As(err, &canceled) || len(canceled.CancellationReasons) == 0 {
		return false
	}
	return aws.StringValue(canceled.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}

func (s *Store) GetBalance(ctx context.Context, chainID uint64, contract, address string) (domain.Balance, error) {
	ctx, span := startSpan(ctx, "dynamo.GetBalance", attribute.String("balance.address", strings.ToLower(address)))
	defer span.End()

	balance := domain.Balance{
		ChainID:  chainID,
		Contract: strings.ToLower(contract),
		Address:  strings.ToLower(address),
		Amount:   "0",
	}
	out, err := s.api.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.balancesTable),
		Key:            map[string]*dynamodb.AttributeValue{"pk": {S: aws.String(balanceKey(chainID, contract, address))}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		recordError(span, err)
		return domain.Balance{}, err
	}
	if value, ok := out.Item["balance"]; ok && value.N != nil {
		amount, ok := new(big.Int).SetString(aws.StringValue(value.N), 10)
		if !ok {
			return domain.Balance{}, fmt.Errorf("corrupt balance %q for %s", aws.StringValue(value.N), balance.Address)
		}
		balance.Amount = amount.String()
	}
	return balance, nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.api.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.logTable)})
	return err
}

func logKey(chainID uint64, hash string) string {
	return strconv.FormatUint(chainID, 10) + "#" + strings.ToLower(hash)
}

func balanceKey(chainID uint64, contract, address string) string {
	return strconv.FormatUint(chainID, 10) + "#" + strings.ToLower(contract) + "#" + strings.ToLower(address)
}

func tokenKey(balancePK, token string) string {
	return balancePK + "#token#" + token
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "dynamodb"))
	return otel.Tracer("txrelay/dynamo").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}
