package notify

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

type SESDispatcher struct {
	client    *sesv2.Client
	fromEmail string
	renderer  *Renderer
}

func NewSESDispatcher(cfg aws.Config, fromEmail string, renderer *Renderer) *SESDispatcher {
	return &SESDispatcher{
		client:    sesv2.NewFromConfig(cfg),
		fromEmail: fromEmail,
		renderer:  renderer,
	}
}

func (s *SESDispatcher) Name() string { return "ses" }

func (s *SESDispatcher) Send(ctx context.Context, msg Message) (string, error) {
	subject, body, err := s.renderer.Render(msg)
	if err != nil {
		return "", err
	}

	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}
