package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

type fakePublisher struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	f.keys = append(f.keys, routingKey)
	f.bodies = append(f.bodies, body)
	return f.err
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func testEvent() types.ProgressEvent {
	return types.ProgressEvent{
		Stage:           "loading_input",
		Description:     "Loading and decoding image",
		Progress:        10,
		Timestamp:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		JobID:           "job-1",
		Scale:           4,
		InputDimensions: &types.Dimensions{Width: 16, Height: 16},
	}
}

func TestEventPublisher_Publish(t *testing.T) {
	fake := &fakePublisher{}
	p := NewEventPublisher(fake)

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	require.Len(t, fake.keys, 1)
	assert.Equal(t, "upscale.progress.loading_input", fake.keys[0])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(fake.bodies[0], &decoded))
	assert.Equal(t, "job-1", decoded["job_id"])
	assert.Equal(t, "16x16", decoded["input_dimensions"])
	assert.Nil(t, decoded["output_dimensions"])
	assert.NotContains(t, decoded, "error")
	assert.Equal(t, "rabbitmq", p.Name())
}

func TestEventPublisher_PropagatesError(t *testing.T) {
	p := NewEventPublisher(&fakePublisher{err: errors.New("channel closed")})
	assert.Error(t, p.Publish(context.Background(), testEvent()))
}

func TestSQSPublisher_Standard(t *testing.T) {
	fake := &fakeSQS{}
	p := newSQSPublisher(fake, "https://sqs.us-east-1.amazonaws.com/123/upscale-events")

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	require.Len(t, fake.inputs, 1)

	in := fake.inputs[0]
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/upscale-events", aws.ToString(in.QueueUrl))
	assert.Nil(t, in.MessageGroupId)
	assert.Equal(t, "loading_input", aws.ToString(in.MessageAttributes["stage"].StringValue))
	assert.Equal(t, "10", aws.ToString(in.MessageAttributes["progress"].StringValue))
	assert.Contains(t, aws.ToString(in.MessageBody), `"stage":"loading_input"`)
}

func TestSQSPublisher_FIFO(t *testing.T) {
	fake := &fakeSQS{}
	p := newSQSPublisher(fake, "https://sqs.us-east-1.amazonaws.com/123/upscale-events.fifo")

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	in := fake.inputs[0]
	assert.Equal(t, "job-1", aws.ToString(in.MessageGroupId))
	assert.NotEmpty(t, aws.ToString(in.MessageDeduplicationId))
}

func TestSQSPublisher_Error(t *testing.T) {
	p := newSQSPublisher(&fakeSQS{err: errors.New("throttled")}, "q")
	err := p.Publish(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
	assert.Equal(t, "sqs", p.Name())
}
