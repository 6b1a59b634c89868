// Package mainconfig holds AWS wiring shared by the binaries.
package mainconfig

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/profilebot/internal/config"
)

// LoadAWSConfig builds the SDK config from the app config. Static keys are
// used when both are set, otherwise the default credential chain applies.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}
	return config.LoadDefaultConfig(ctx, loaders...)
}

// NewSQSClient returns an SQS client, pointed at AWS_ENDPOINT_OVERRIDE (LocalStack) when set.
func NewSQSClient(awsCfg aws.Config, cfg *appconfig.Config) *sqs.Client {
	endpoint := strings.TrimSpace(cfg.AWSEndpointOverride)
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// NewDynamoClient returns a DynamoDB client, honouring AWS_ENDPOINT_OVERRIDE.
func NewDynamoClient(awsCfg aws.Config, cfg *appconfig.Config) *dynamodb.Client {
	endpoint := strings.TrimSpace(cfg.AWSEndpointOverride)
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}
