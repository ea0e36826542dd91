// Package cloud delivers bus messages through the managed queue/topic
// service: SQS for point-to-point queues, SNS for fan-out topics. Fan-out
// subscriptions are infrastructure-level (SNS topic -> per-service SQS
// queues wired out-of-band), so this transport deliberately does not
// implement runtime topic subscription.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/stafflane/eventbus"
)

const TransportName = string(eventbus.ModeCloud)

func init() {
	if err := eventbus.RegisterTransport(TransportName, func(cfg map[string]any) (eventbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("eventbus/cloud: failed to register transport: %w", err))
	}
}

var errClosed = errors.New("eventbus/cloud: transport is closed")

// SQSClient is the slice of the SQS API this transport uses.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SNSClient is the slice of the SNS API this transport uses.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Transport implements eventbus.Transport against SQS/SNS. It does not
// implement eventbus.TopicSubscriber.
type Transport struct {
	cfg    Config
	sqs    SQSClient
	sns    SNSClient
	codec  eventbus.Codec
	logger zerolog.Logger

	mu        sync.Mutex
	consumers map[string]*consumer

	closed atomic.Bool
}

var _ eventbus.Transport = (*Transport)(nil)

// Option configures the transport.
type Option func(*Transport)

// WithClients injects ready SQS/SNS clients (tests, custom endpoints).
func WithClients(sqsClient SQSClient, snsClient SNSClient) Option {
	return func(t *Transport) {
		t.sqs = sqsClient
		t.sns = snsClient
	}
}

// WithLogger injects a logger (default: no-op).
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithCodec overrides the envelope codec (default: JSON).
func WithCodec(c eventbus.Codec) Option {
	return func(t *Transport) { t.codec = c }
}

// NewTransport builds the transport, loading the default AWS credential
// chain unless clients were injected.
func NewTransport(cfg Config, opts ...Option) (*Transport, error) {
	cfg.applyDefaults()

	t := &Transport{
		cfg:       cfg,
		codec:     eventbus.JSONCodec{},
		logger:    zerolog.Nop(),
		consumers: make(map[string]*consumer),
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}

	if t.sqs == nil || t.sns == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("eventbus/cloud: load aws config: %w", err)
		}
		if t.sqs == nil {
			t.sqs = sqs.NewFromConfig(awsCfg)
		}
		if t.sns == nil {
			t.sns = sns.NewFromConfig(awsCfg)
		}
	}

	return t, nil
}

func (t *Transport) queueURL(q eventbus.Queue) (string, error) {
	if url, ok := t.cfg.QueueURLs[string(q)]; ok && url != "" {
		return url, nil
	}
	return "", fmt.Errorf("eventbus/cloud: no queue url configured for %q", q)
}

func (t *Transport) topicARN(tp eventbus.Topic) (string, error) {
	if arn, ok := t.cfg.TopicARNs[string(tp)]; ok && arn != "" {
		return arn, nil
	}
	return "", fmt.Errorf("eventbus/cloud: no topic arn configured for %q", tp)
}

// Send delivers one envelope with optional delayed visibility. The delay
// defers visibility to consumers; it does not guarantee exact-time delivery.
func (t *Transport) Send(ctx context.Context, queue eventbus.Queue, env *eventbus.Envelope, opts eventbus.SendOptions) (string, error) {
	if t.closed.Load() {
		return "", errClosed
	}
	url, err := t.queueURL(queue)
	if err != nil {
		return "", err
	}
	body, err := t.codec.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("eventbus/cloud: encode envelope: %w", err)
	}

	out, err := t.sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(body)),
		DelaySeconds:      opts.DelaySeconds,
		MessageAttributes: sqsAttributes(env),
	})
	if err != nil {
		return "", fmt.Errorf("eventbus/cloud: send to %s: %w", queue, err)
	}
	return aws.ToString(out.MessageId), nil
}

// SendBatch sends in chunks of 10. Per-entry failures and whole-chunk call
// failures are both folded into the result; partial failure is never an
// error.
func (t *Transport) SendBatch(ctx context.Context, queue eventbus.Queue, envs []*eventbus.Envelope) (eventbus.BatchResult, error) {
	var res eventbus.BatchResult
	if t.closed.Load() {
		return res, errClosed
	}
	url, err := t.queueURL(queue)
	if err != nil {
		return res, err
	}

	for start := 0; start < len(envs); start += maxReceiveBatch {
		end := start + maxReceiveBatch
		if end > len(envs) {
			end = len(envs)
		}
		chunk := envs[start:end]

		entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, len(chunk))
		envByEntry := make(map[string]string, len(chunk))
		for i, env := range chunk {
			body, err := t.codec.Marshal(env)
			if err != nil {
				res.Failed = append(res.Failed, env.ID)
				t.logger.Warn().Err(err).
					Str("queue", string(queue)).
					Str("message_id", env.ID).
					Msg("batch entry not encodable")
				continue
			}
			entryID := "m" + strconv.Itoa(i)
			envByEntry[entryID] = env.ID
			entries = append(entries, sqstypes.SendMessageBatchRequestEntry{
				Id:                aws.String(entryID),
				MessageBody:       aws.String(string(body)),
				MessageAttributes: sqsAttributes(env),
			})
		}
		if len(entries) == 0 {
			continue
		}

		out, err := t.sqs.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(url),
			Entries:  entries,
		})
		if err != nil {
			for _, e := range entries {
				res.Failed = append(res.Failed, envByEntry[aws.ToString(e.Id)])
			}
			t.logger.Warn().Err(err).
				Str("queue", string(queue)).
				Int("entries", len(entries)).
				Msg("batch call failed")
			continue
		}
		for _, s := range out.Successful {
			res.Successful = append(res.Successful, envByEntry[aws.ToString(s.Id)])
		}
		for _, f := range out.Failed {
			res.Failed = append(res.Failed, envByEntry[aws.ToString(f.Id)])
			t.logger.Warn().
				Str("queue", string(queue)).
				Str("message_id", envByEntry[aws.ToString(f.Id)]).
				Str("code", aws.ToString(f.Code)).
				Str("reason", aws.ToString(f.Message)).
				Msg("batch entry rejected")
		}
	}
	return res, nil
}

// Publish fans the envelope out to every queue subscription provisioned
// against the topic.
func (t *Transport) Publish(ctx context.Context, topic eventbus.Topic, env *eventbus.Envelope) (string, error) {
	if t.closed.Load() {
		return "", errClosed
	}
	arn, err := t.topicARN(topic)
	if err != nil {
		return "", err
	}
	body, err := t.codec.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("eventbus/cloud: encode envelope: %w", err)
	}

	out, err := t.sns.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(arn),
		Message:           aws.String(string(body)),
		MessageAttributes: snsAttributes(env),
	})
	if err != nil {
		return "", fmt.Errorf("eventbus/cloud: publish to %s: %w", topic, err)
	}
	return aws.ToString(out.MessageId), nil
}

// Close stops every consumer and marks the transport closed. The underlying
// SDK clients hold no connections that need explicit release.
func (t *Transport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	consumers := t.consumers
	t.consumers = make(map[string]*consumer)
	t.mu.Unlock()

	var errs []error
	for id, c := range consumers {
		if err := t.waitStop(ctx, id, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sqsAttributes(env *eventbus.Envelope) map[string]sqstypes.MessageAttributeValue {
	return map[string]sqstypes.MessageAttributeValue{
		"eventType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(env.Type),
		},
		"source": {
			DataType:    aws.String("String"),
			StringValue: aws.String(env.Source),
		},
		"correlationId": {
			DataType:    aws.String("String"),
			StringValue: aws.String(env.CorrelationID),
		},
	}
}

func snsAttributes(env *eventbus.Envelope) map[string]snstypes.MessageAttributeValue {
	return map[string]snstypes.MessageAttributeValue{
		"eventType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(env.Type),
		},
		"source": {
			DataType:    aws.String("String"),
			StringValue: aws.String(env.Source),
		},
		"correlationId": {
			DataType:    aws.String("String"),
			StringValue: aws.String(env.CorrelationID),
		},
	}
}

// unwrapSNS strips the SNS notification wrapper from bodies that arrived in
// a queue via a topic subscription, leaving direct sends untouched.
func unwrapSNS(body string) string {
	var n struct {
		Type    string `json:"Type"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal([]byte(body), &n); err == nil && n.Type == "Notification" && n.Message != "" {
		return n.Message
	}
	return body
}
