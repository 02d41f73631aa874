// Package notify delivers challenge alerts to the account operator so a
// human can unblock the automated login. Delivery is best-effort; a failed
// alert never fails the authenticate call that triggered it.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	awsclient "browser-auth/internal/common/aws"
	"browser-auth/internal/common/config"
	autherrors "browser-auth/internal/common/errors"
	"browser-auth/internal/common/logger"
)

// Define interfaces for mocking
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Notifier sends one alert per detected challenge. A nil Notifier is valid
// and sends nothing.
type Notifier struct {
	cfg       config.NotificationConfig
	log       logger.Logger
	sesClient SESService
	snsClient SNSService
	templates map[autherrors.Challenge]map[string]string
}

func NewNotifier(ctx context.Context, cfg config.NotificationConfig, log logger.Logger) (*Notifier, error) {
	sesClient, err := awsclient.NewSESClient(ctx, cfg.AWS.Region)
	if err != nil {
		return nil, fmt.Errorf("init SES client: %w", err)
	}
	snsClient, err := awsclient.NewSNSClient(ctx, cfg.AWS.Region)
	if err != nil {
		return nil, fmt.Errorf("init SNS client: %w", err)
	}

	return &Notifier{
		cfg:       cfg,
		log:       log,
		sesClient: sesClient,
		snsClient: snsClient,
		templates: challengeTemplates(),
	}, nil
}

// NewNotifierWithClients injects service clients. Used by tests.
func NewNotifierWithClients(cfg config.NotificationConfig, log logger.Logger, sesClient SESService, snsClient SNSService) *Notifier {
	return &Notifier{
		cfg:       cfg,
		log:       log,
		sesClient: sesClient,
		snsClient: snsClient,
		templates: challengeTemplates(),
	}
}

// NotifyChallenge alerts the operator about a challenge that blocked an
// automated login. Errors are logged and swallowed.
func (n *Notifier) NotifyChallenge(ctx context.Context, ownerID string, authErr *autherrors.AuthError) {
	if n == nil || authErr == nil || authErr.Challenge == autherrors.ChallengeNone {
		return
	}

	template, exists := n.templates[authErr.Challenge]
	if !exists {
		template = n.templates[autherrors.ChallengeVerification]
	}

	data := map[string]string{
		"ownerId":    ownerID,
		"challenge":  string(authErr.Challenge),
		"traceId":    authErr.TraceID,
		"suggestion": authErr.RecoverySuggestion,
	}
	subject := renderTemplate(template["subject"], data)
	body := renderTemplate(template["body"], data)

	if n.cfg.Email.Enabled && n.cfg.Email.ToEmail != "" {
		if err := n.sendEmail(ctx, n.cfg.Email.ToEmail, subject, body); err != nil {
			n.log.Warn("challenge email alert failed", map[string]interface{}{
				"ownerId":   ownerID,
				"challenge": string(authErr.Challenge),
				"error":     err.Error(),
			})
		}
	}

	if n.cfg.SMS.Enabled && n.cfg.SMS.PhoneNumber != "" {
		if err := n.sendSMS(ctx, n.cfg.SMS.PhoneNumber, body); err != nil {
			n.log.Warn("challenge SMS alert failed", map[string]interface{}{
				"ownerId":   ownerID,
				"challenge": string(authErr.Challenge),
				"error":     err.Error(),
			})
		}
	}
}

func (n *Notifier) sendEmail(ctx context.Context, to, subject, body string) error {
	_, err := n.sesClient.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
				Html: &types.Content{Data: aws.String(body)},
			},
		},
		Source: aws.String(n.cfg.Email.FromEmail),
	})
	return err
}

func (n *Notifier) sendSMS(ctx context.Context, to, message string) error {
	_, err := n.snsClient.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(message),
	})
	return err
}

// Simplified template rendering with placeholder removal for missing values
func renderTemplate(tmpl string, data map[string]string) string {
	result := tmpl

	for k, v := range data {
		result = strings.ReplaceAll(result, "{{"+k+"}}", v)
	}

	// Remove any remaining placeholders (missing values)
	for {
		start := strings.Index(result, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}}")
		if end == -1 {
			break
		}
		end += start + 2
		result = result[:start] + result[end:]
	}

	return result
}

func challengeTemplates() map[autherrors.Challenge]map[string]string {
	return map[autherrors.Challenge]map[string]string{
		autherrors.ChallengeCaptcha: {
			"subject": "Login blocked by CAPTCHA for account {{ownerId}}",
			"body":    "Automated login for {{ownerId}} hit a CAPTCHA (trace {{traceId}}). {{suggestion}}",
		},
		autherrors.ChallengeTwoFactor: {
			"subject": "Login blocked by two-factor for account {{ownerId}}",
			"body":    "Automated login for {{ownerId}} requires a two-factor code (trace {{traceId}}). {{suggestion}}",
		},
		autherrors.ChallengeVerification: {
			"subject": "Login needs verification for account {{ownerId}}",
			"body":    "Automated login for {{ownerId}} was interrupted by a {{challenge}} challenge (trace {{traceId}}). {{suggestion}}",
		},
		autherrors.ChallengeUnusualActivity: {
			"subject": "Security review blocking login for account {{ownerId}}",
			"body":    "The provider flagged unusual activity for {{ownerId}} (trace {{traceId}}). {{suggestion}}",
		},
		autherrors.ChallengeNewDevice: {
			"subject": "New device confirmation needed for account {{ownerId}}",
			"body":    "Automated login for {{ownerId}} needs device approval (trace {{traceId}}). {{suggestion}}",
		},
	}
}
