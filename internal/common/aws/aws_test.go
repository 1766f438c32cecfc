package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockSESService struct {
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

func (m *MockSESService) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	return m.SendEmailFunc(ctx, params, optFns...)
}

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

func TestSESClient_SendEmail(t *testing.T) {
	var got *ses.SendEmailInput
	client := NewSESClientWithAPI(&MockSESService{
		SendEmailFunc: func(_ context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			got = params
			return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
		},
	}, "noreply@practice.test")

	id, err := client.SendEmail(context.Background(), "dr@practice.test", "Overdue", "text body", "")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	assert.Equal(t, []string{"dr@practice.test"}, got.Destination.ToAddresses)
	assert.Equal(t, "noreply@practice.test", aws.ToString(got.Source))
	assert.Equal(t, "Overdue", aws.ToString(got.Message.Subject.Data))
	assert.Nil(t, got.Message.Body.Html)
}

func TestSESClient_SendEmailHTML(t *testing.T) {
	var got *ses.SendEmailInput
	client := NewSESClientWithAPI(&MockSESService{
		SendEmailFunc: func(_ context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			got = params
			return &ses.SendEmailOutput{MessageId: aws.String("msg-2")}, nil
		},
	}, "noreply@practice.test")

	_, err := client.SendEmail(context.Background(), "dr@practice.test", "s", "t", "<p>t</p>")
	require.NoError(t, err)
	require.NotNil(t, got.Message.Body.Html)
	assert.Equal(t, "<p>t</p>", aws.ToString(got.Message.Body.Html.Data))
}

func TestSESClient_Errors(t *testing.T) {
	client := NewSESClientWithAPI(&MockSESService{
		SendEmailFunc: func(context.Context, *ses.SendEmailInput, ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			return nil, errors.New("throttled")
		},
	}, "noreply@practice.test")

	_, err := client.SendEmail(context.Background(), "", "s", "t", "")
	assert.Error(t, err)

	_, err = client.SendEmail(context.Background(), "a@b.test", "s", "t", "")
	assert.EqualError(t, err, "throttled")
}

func TestSNSClient_SendSMS(t *testing.T) {
	var got *sns.PublishInput
	client := NewSNSClientWithAPI(&MockSNSService{
		PublishFunc: func(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
			got = params
			return &sns.PublishOutput{MessageId: aws.String("sms-1")}, nil
		},
	}, "PRACTICE")

	id, err := client.SendSMS(context.Background(), "+15550100", "Call back overdue")
	require.NoError(t, err)
	assert.Equal(t, "sms-1", id)
	assert.Equal(t, "+15550100", aws.ToString(got.PhoneNumber))
	assert.Equal(t, "PRACTICE", aws.ToString(got.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue))
	assert.Equal(t, "Transactional", aws.ToString(got.MessageAttributes["AWS.SNS.SMS.SMSType"].StringValue))
}

func TestSNSClient_EmptyPhone(t *testing.T) {
	client := NewSNSClientWithAPI(&MockSNSService{}, "")
	_, err := client.SendSMS(context.Background(), "", "x")
	assert.Error(t, err)
}
