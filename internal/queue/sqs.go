package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

// sqsAPI is the part of the SQS client the publisher uses
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher forwards stage changes to an SQS queue
type SQSPublisher struct {
	client   sqsAPI
	queueURL string
	fifo     bool
}

// NewSQSPublisher creates a publisher using the default AWS credential chain.
// endpoint overrides the service URL, e.g. for LocalStack.
func NewSQSPublisher(ctx context.Context, queueURL, region, endpoint string) (*SQSPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return newSQSPublisher(client, queueURL), nil
}

func newSQSPublisher(client sqsAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

// Name identifies the sink in logs and metrics
func (p *SQSPublisher) Name() string {
	return "sqs"
}

// Publish sends one stage event. FIFO queues keep the events of a job in order.
func (p *SQSPublisher) Publish(ctx context.Context, event types.ProgressEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"job_id": {DataType: aws.String("String"), StringValue: aws.String(event.JobID)},
			"stage":  {DataType: aws.String("String"), StringValue: aws.String(event.Stage)},
			"progress": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(event.Progress)),
			},
		},
	}

	if p.fifo {
		input.MessageGroupId = aws.String(event.JobID)
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("%s-%s-%d", event.JobID, event.Stage, event.Timestamp.UnixNano()))
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send message to SQS: %w", err)
	}
	return nil
}
