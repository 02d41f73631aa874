package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"

	"browser-auth/internal/common/config"
	autherrors "browser-auth/internal/common/errors"
	"browser-auth/internal/common/logger"
)

type recordingSES struct {
	inputs []*ses.SendEmailInput
	err    error
}

func (r *recordingSES) SendEmail(_ context.Context, input *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	r.inputs = append(r.inputs, input)
	return &ses.SendEmailOutput{}, r.err
}

type recordingSNS struct {
	inputs []*sns.PublishInput
}

func (r *recordingSNS) Publish(_ context.Context, input *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	r.inputs = append(r.inputs, input)
	return &sns.PublishOutput{}, nil
}

func notificationConfig() config.NotificationConfig {
	var cfg config.NotificationConfig
	cfg.Email.Enabled = true
	cfg.Email.FromEmail = "alerts@example.com"
	cfg.Email.ToEmail = "ops@example.com"
	cfg.SMS.Enabled = true
	cfg.SMS.PhoneNumber = "+15550100"
	return cfg
}

func TestNotifyChallengeSendsEmailAndSMS(t *testing.T) {
	sesClient := &recordingSES{}
	snsClient := &recordingSNS{}
	n := NewNotifierWithClients(notificationConfig(), logger.NewTestLogger(t), sesClient, snsClient)

	authErr := autherrors.NewCaptchaRequiredError()
	authErr.WithContext("owner-1", "auth-1-abcdef12", "")
	n.NotifyChallenge(context.Background(), "owner-1", authErr)

	if assert.Len(t, sesClient.inputs, 1) {
		input := sesClient.inputs[0]
		assert.Equal(t, "alerts@example.com", *input.Source)
		assert.Equal(t, []string{"ops@example.com"}, input.Destination.ToAddresses)
		assert.Contains(t, *input.Message.Subject.Data, "owner-1")
		assert.Contains(t, *input.Message.Body.Text.Data, "auth-1-abcdef12")
	}
	if assert.Len(t, snsClient.inputs, 1) {
		assert.Equal(t, "+15550100", *snsClient.inputs[0].PhoneNumber)
	}
}

func TestNotifyChallengeUnknownChallengeFallsBack(t *testing.T) {
	sesClient := &recordingSES{}
	n := NewNotifierWithClients(notificationConfig(), logger.NewTestLogger(t), sesClient, &recordingSNS{})

	// No dedicated template exists for a disabled account; the generic
	// verification template is used.
	n.NotifyChallenge(context.Background(), "owner-1", autherrors.NewAccountDisabledError("locked"))

	if assert.Len(t, sesClient.inputs, 1) {
		assert.Contains(t, *sesClient.inputs[0].Message.Body.Text.Data, "account_disabled")
	}
}

func TestNotifyChallengeSkipsNonChallengeErrors(t *testing.T) {
	sesClient := &recordingSES{}
	n := NewNotifierWithClients(notificationConfig(), logger.NewTestLogger(t), sesClient, &recordingSNS{})

	n.NotifyChallenge(context.Background(), "owner-1", autherrors.NewTimeoutError(0))
	n.NotifyChallenge(context.Background(), "owner-1", nil)

	assert.Empty(t, sesClient.inputs)
}

func TestNotifyChallengeSwallowsDeliveryErrors(t *testing.T) {
	sesClient := &recordingSES{err: errors.New("ses throttled")}
	n := NewNotifierWithClients(notificationConfig(), logger.NewTestLogger(t), sesClient, &recordingSNS{})

	// Must not panic or propagate; delivery failure is logged only.
	n.NotifyChallenge(context.Background(), "owner-1", autherrors.NewTwoFactorRequiredError())
	assert.Len(t, sesClient.inputs, 1)
}

func TestNilNotifierIsSafe(t *testing.T) {
	var n *Notifier
	n.NotifyChallenge(context.Background(), "owner-1", autherrors.NewCaptchaRequiredError())
}

func TestRenderTemplate(t *testing.T) {
	out := renderTemplate("Hello {{ownerId}}, trace {{traceId}}, missing {{nope}}", map[string]string{
		"ownerId": "owner-1",
		"traceId": "auth-1-abc",
	})
	assert.Equal(t, "Hello owner-1, trace auth-1-abc, missing ", out)
}
