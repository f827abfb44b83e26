package lock

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/nimburion/upgradejob/pkg/observability/logger"
)

const (
	defaultDynamoDBLockTable     = "upgradejob_locks"
	defaultDynamoDBLockOperation = 5 * time.Second
)

// DynamoDBAPI is the subset of the DynamoDB client used by the lock provider.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBLockProviderConfig configures locks stored as DynamoDB items. The
// table needs a string partition key named lock_key.
type DynamoDBLockProviderConfig struct {
	Region           string
	Endpoint         string
	Table            string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
}

func (c *DynamoDBLockProviderConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultDynamoDBLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultDynamoDBLockOperation
	}
}

// DynamoDBLockProvider implements locks with conditional writes.
type DynamoDBLockProvider struct {
	client DynamoDBAPI
	log    logger.Logger
	config DynamoDBLockProviderConfig
	now    func() time.Time
}

// NewDynamoDBLockProvider builds an AWS SDK v2 client, honouring a custom endpoint.
func NewDynamoDBLockProvider(cfg DynamoDBLockProviderConfig, log logger.Logger) (*DynamoDBLockProvider, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, lockError(ErrInvalidArgument, "aws region is required")
	}
	cfg.normalize()

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, errors.Join(lockError(ErrValidation, "load aws config failed"), err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	provider := newDynamoDBLockProviderWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)
	log.Info("dynamodb lock provider initialized", "region", cfg.Region, "table", provider.config.Table)
	return provider, nil
}

func newDynamoDBLockProviderWithClient(client DynamoDBAPI, cfg DynamoDBLockProviderConfig, log logger.Logger) *DynamoDBLockProvider {
	cfg.normalize()
	return &DynamoDBLockProvider{
		client: client,
		log:    log,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Acquire writes the lock item when it is absent or expired.
func (p *DynamoDBLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	if p == nil || p.client == nil {
		return nil, false, lockError(ErrNotInitialized, "dynamodb lock provider is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	now := p.now()
	expiresAt := now.Add(ttl)
	token := uuid.NewString()

	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	_, err := p.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName: aws.String(p.config.Table),
		Item: map[string]types.AttributeValue{
			"lock_key":   &types.AttributeValueMemberS{Value: key},
			"token":      &types.AttributeValueMemberS{Value: token},
			"expires_at": millisValue(expiresAt),
		},
		ConditionExpression: aws.String("attribute_not_exists(lock_key) OR #expires <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#expires": "expires_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millisValue(now),
		},
	})
	if isConditionFailed(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	return &LockLease{Key: key, Token: token, ExpireAt: expiresAt}, true, nil
}

// Renew pushes the expiry forward while the token matches and the item is live.
func (p *DynamoDBLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "dynamodb lock provider is not initialized")
	}
	if err := validateLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	now := p.now()
	expiresAt := now.Add(ttl)
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	_, err := p.client.UpdateItem(opCtx, &dynamodb.UpdateItemInput{
		TableName: aws.String(p.config.Table),
		Key: map[string]types.AttributeValue{
			"lock_key": &types.AttributeValueMemberS{Value: lease.Key},
		},
		UpdateExpression:    aws.String("SET #expires = :expires"),
		ConditionExpression: aws.String("#token = :token AND #expires > :now"),
		ExpressionAttributeNames: map[string]string{
			"#token":   "token",
			"#expires": "expires_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token":   &types.AttributeValueMemberS{Value: lease.Token},
			":expires": millisValue(expiresAt),
			":now":     millisValue(now),
		},
	})
	if isConditionFailed(err) {
		return lockError(ErrConflict, "lock renew rejected")
	}
	if err != nil {
		return errors.Join(lockError(ErrRetryable, "renew lock failed"), err)
	}
	lease.ExpireAt = expiresAt
	return nil
}

// Release deletes the lock item when the token matches.
func (p *DynamoDBLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "dynamodb lock provider is not initialized")
	}
	if err := validateLease(lease); err != nil {
		return err
	}

	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	_, err := p.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.config.Table),
		Key: map[string]types.AttributeValue{
			"lock_key": &types.AttributeValueMemberS{Value: lease.Key},
		},
		ConditionExpression: aws.String("#token = :token"),
		ExpressionAttributeNames: map[string]string{
			"#token": "token",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: lease.Token},
		},
	})
	if isConditionFailed(err) {
		return lockError(ErrConflict, "lock release rejected")
	}
	if err != nil {
		return errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	return nil
}

// HealthCheck describes the lock table.
func (p *DynamoDBLockProvider) HealthCheck(ctx context.Context) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "dynamodb lock provider is not initialized")
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	if _, err := p.client.DescribeTable(opCtx, &dynamodb.DescribeTableInput{
		TableName: aws.String(p.config.Table),
	}); err != nil {
		return errors.Join(lockError(ErrRetryable, "dynamodb healthcheck failed"), err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no long-lived connections to release.
func (p *DynamoDBLockProvider) Close() error {
	return nil
}

func (p *DynamoDBLockProvider) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.config.OperationTimeout)
}

func millisValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func isConditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
