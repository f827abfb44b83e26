package lock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamoDB evaluates the provider's condition expressions against a
// single-table map so that the conditional-write protocol can be exercised.
type fakeDynamoDB struct {
	mu       sync.Mutex
	items    map[string]fakeLockItem
	failWith error
	tables   []string
}

type fakeLockItem struct {
	token     string
	expiresAt int64
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: map[string]fakeLockItem{}}
}

func stringAttr(values map[string]types.AttributeValue, key string) string {
	if v, ok := values[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numberAttr(values map[string]types.AttributeValue, key string) int64 {
	if v, ok := values[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *fakeDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	key := stringAttr(in.Item, "lock_key")
	now := numberAttr(in.ExpressionAttributeValues, ":now")
	if current, ok := f.items[key]; ok && current.expiresAt > now {
		return nil, conditionFailed()
	}
	f.items[key] = fakeLockItem{token: stringAttr(in.Item, "token"), expiresAt: numberAttr(in.Item, "expires_at")}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	key := stringAttr(in.Key, "lock_key")
	current, ok := f.items[key]
	if !ok || current.token != stringAttr(in.ExpressionAttributeValues, ":token") ||
		current.expiresAt <= numberAttr(in.ExpressionAttributeValues, ":now") {
		return nil, conditionFailed()
	}
	current.expiresAt = numberAttr(in.ExpressionAttributeValues, ":expires")
	f.items[key] = current
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	key := stringAttr(in.Key, "lock_key")
	current, ok := f.items[key]
	if !ok || current.token != stringAttr(in.ExpressionAttributeValues, ":token") {
		return nil, conditionFailed()
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables = append(f.tables, aws.ToString(in.TableName))
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func newFakeDynamoDBProvider(api DynamoDBAPI, now *time.Time) *DynamoDBLockProvider {
	p := newDynamoDBLockProviderWithClient(api, DynamoDBLockProviderConfig{}, &lockTestLogger{})
	p.now = func() time.Time { return *now }
	return p
}

func TestDynamoDBLockProvider_AcquireRenewRelease(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeDynamoDB()
	p := newFakeDynamoDBProvider(api, &now)
	ctx := context.Background()

	lease, ok, err := p.Acquire(ctx, "upgrade-password-hash", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := p.Acquire(ctx, "upgrade-password-hash", time.Minute); err != nil || ok {
		t.Fatalf("expected held lock, got ok=%v err=%v", ok, err)
	}

	now = now.Add(30 * time.Second)
	if err := p.Renew(ctx, lease, time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !lease.ExpireAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", lease.ExpireAt)
	}

	if err := p.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := p.Release(ctx, lease); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected second release to conflict, got %v", err)
	}
}

func TestDynamoDBLockProvider_ExpiredLockIsTakenOver(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeDynamoDB()
	p := newFakeDynamoDBProvider(api, &now)
	ctx := context.Background()

	stale, _, err := p.Acquire(ctx, "job", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, ok, err := p.Acquire(ctx, "job", time.Second); err != nil || !ok {
		t.Fatalf("expected takeover, ok=%v err=%v", ok, err)
	}
	if err := p.Renew(ctx, stale, time.Second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected stale renew to conflict, got %v", err)
	}
}

func TestDynamoDBLockProvider_BackendFailuresAreRetryable(t *testing.T) {
	now := time.Now()
	api := newFakeDynamoDB()
	api.failWith = &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}
	p := newFakeDynamoDBProvider(api, &now)

	if _, _, err := p.Acquire(context.Background(), "job", time.Second); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
	if err := p.HealthCheck(context.Background()); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable from health check, got %v", err)
	}
	if len(api.tables) != 1 || api.tables[0] != defaultDynamoDBLockTable {
		t.Fatalf("expected health check against %s, got %v", defaultDynamoDBLockTable, api.tables)
	}
}

func TestNewDynamoDBLockProvider_RequiresRegion(t *testing.T) {
	if _, err := NewDynamoDBLockProvider(DynamoDBLockProviderConfig{}, &lockTestLogger{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
