// internal/common/aws/ses.go
package aws

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the subset of the SES client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESClient struct {
	api  SESAPI
	from string
}

func NewSESClient(cfg aws.Config, fromEmail string) *SESClient {
	return NewSESClientWithAPI(ses.NewFromConfig(cfg), fromEmail)
}

func NewSESClientWithAPI(api SESAPI, fromEmail string) *SESClient {
	return &SESClient{api: api, from: fromEmail}
}

// SendEmail sends one message. An empty html body sends text only.
func (s *SESClient) SendEmail(ctx context.Context, to, subject, text, html string) (string, error) {
	if to == "" {
		return "", errors.New("recipient email is empty")
	}

	body := &types.Body{Text: &types.Content{Data: aws.String(text), Charset: aws.String("UTF-8")}}
	if html != "" {
		body.Html = &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")}
	}

	out, err := s.api.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{ToAddresses: []string{to}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
		Source: aws.String(s.from),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}
