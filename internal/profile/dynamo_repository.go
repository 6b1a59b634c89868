package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/wolfman30/profilebot/pkg/logging"
)

type dynamoAPI interface {
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoRepository stores profiles as single DynamoDB items keyed by externalId.
// Every upsert is one UpdateItem call, which DynamoDB applies atomically.
type DynamoRepository struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
	now       func() time.Time
}

var _ Repository = (*DynamoRepository)(nil)

// NewDynamoRepository builds a repository backed by the provided DynamoDB client.
func NewDynamoRepository(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoRepository {
	if client == nil {
		panic("profile: dynamodb client cannot be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		panic("profile: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       time.Now,
	}
}

// Upsert merges the supplied fields into the item, creating it if needed.
func (r *DynamoRepository) Upsert(ctx context.Context, externalID string, update Update) (*Profile, error) {
	if err := validateExternalID(externalID); err != nil {
		return nil, err
	}

	now, err := attributevalue.Marshal(r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("profile: marshal timestamp: %w", err)
	}
	names := map[string]string{
		"#updatedAt": "updatedAt",
		"#createdAt": "createdAt",
	}
	values := map[string]types.AttributeValue{":now": now}
	sets := []string{"#updatedAt = :now", "#createdAt = if_not_exists(#createdAt, :now)"}

	set := func(attr string, v any) error {
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return fmt.Errorf("profile: marshal %s: %w", attr, err)
		}
		names["#"+attr] = attr
		values[":"+attr] = av
		sets = append(sets, fmt.Sprintf("#%s = :%s", attr, attr))
		return nil
	}

	if update.DisplayName != nil {
		if err := set("displayName", *update.DisplayName); err != nil {
			return nil, err
		}
	}
	if update.Age != nil {
		if err := set("age", *update.Age); err != nil {
			return nil, err
		}
	}
	if update.Location != nil {
		if err := set("latitude", update.Location.Latitude); err != nil {
			return nil, err
		}
		if err := set("longitude", update.Location.Longitude); err != nil {
			return nil, err
		}
	}
	if update.LastSubmittedAt != nil {
		if err := set("lastSubmittedAt", update.LastSubmittedAt.UTC()); err != nil {
			return nil, err
		}
	}

	expr := "SET " + strings.Join(sets, ", ")
	if update.ScoreDelta != nil {
		delta, err := attributevalue.Marshal(*update.ScoreDelta)
		if err != nil {
			return nil, fmt.Errorf("profile: marshal score: %w", err)
		}
		names["#score"] = "score"
		values[":scoreDelta"] = delta
		expr += " ADD #score :scoreDelta"
	}

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.key(externalID),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, fmt.Errorf("profile: dynamodb update: %w", err)
	}

	var p Profile
	if err := attributevalue.UnmarshalMap(out.Attributes, &p); err != nil {
		return nil, fmt.Errorf("profile: unmarshal item: %w", err)
	}
	if p.ExternalID == "" {
		p.ExternalID = externalID
	}
	return &p, nil
}

// GetByExternalID reads the item with strong consistency.
func (r *DynamoRepository) GetByExternalID(ctx context.Context, externalID string) (*Profile, error) {
	if err := validateExternalID(externalID); err != nil {
		return nil, err
	}
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(externalID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			r.logger.Error("profiles table missing", "table", r.tableName)
		}
		return nil, fmt.Errorf("profile: dynamodb get: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Profile
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("profile: unmarshal item: %w", err)
	}
	return &p, nil
}

func (r *DynamoRepository) key(externalID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"externalId": &types.AttributeValueMemberS{Value: externalID},
	}
}
