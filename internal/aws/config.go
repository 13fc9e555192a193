package aws

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const defaultRegion = "us-east-1"

// Settings are the AWS-related values taken from the service config.
type Settings struct {
	Region           string
	EndpointOverride string // e.g. http://localhost:4566 for localstack
}

// LoadAWSConfig loads the default credential chain for the given region.
// An endpoint override routes every client to a local emulator.
func LoadAWSConfig(ctx context.Context, s Settings) (sdkaws.Config, error) {
	region := s.Region
	if region == "" {
		region = defaultRegion
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if s.EndpointOverride != "" {
		opts = append(opts, config.WithBaseEndpoint(s.EndpointOverride))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// Clients holds the service clients shared by the API and the worker.
type Clients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

// Connect loads the AWS config once and builds every client from it.
func Connect(ctx context.Context, s Settings) (*Clients, error) {
	cfg, err := LoadAWSConfig(ctx, s)
	if err != nil {
		return nil, err
	}
	return &Clients{
		DynamoDB:   dynamodb.NewFromConfig(cfg),
		SQS:        sqs.NewFromConfig(cfg),
		CloudWatch: cloudwatch.NewFromConfig(cfg),
	}, nil
}

// ConfirmationQueue binds a publisher for order confirmations to queueURL.
func (c *Clients) ConfirmationQueue(queueURL string) *Publisher {
	return NewPublisher(c.SQS, queueURL)
}

// Metrics returns a CloudWatch counter publishing under namespace.
func (c *Clients) Metrics(namespace string) *Metrics {
	return NewMetrics(c.CloudWatch, namespace)
}
