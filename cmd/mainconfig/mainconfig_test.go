package mainconfig

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/profilebot/internal/config"
)

func TestLoadAWSConfigStaticCredentials(t *testing.T) {
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	cfg := &appconfig.Config{
		AWSRegion:           "eu-west-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "secret",
		AWSEndpointOverride: "http://localhost:4566",
	}

	awsCfg, err := LoadAWSConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", awsCfg.Region)

	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", creds.AccessKeyID)

	sqsClient := NewSQSClient(awsCfg, cfg)
	assert.Equal(t, "http://localhost:4566", aws.ToString(sqsClient.Options().BaseEndpoint))
	dynamoClient := NewDynamoClient(awsCfg, cfg)
	assert.Equal(t, "http://localhost:4566", aws.ToString(dynamoClient.Options().BaseEndpoint))
}

func TestClientsWithoutOverrideUseDefaultEndpoint(t *testing.T) {
	cfg := &appconfig.Config{AWSRegion: "us-east-1"}
	awsCfg := aws.Config{Region: "us-east-1"}
	assert.Nil(t, NewSQSClient(awsCfg, cfg).Options().BaseEndpoint)
	assert.Nil(t, NewDynamoClient(awsCfg, cfg).Options().BaseEndpoint)
}
