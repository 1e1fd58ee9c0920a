package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTwilioTestGateway(t *testing.T, handler http.HandlerFunc) *TwilioGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw, err := NewTwilioGateway(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "secret",
		From:       "+15550000",
		BaseURL:    srv.URL,
	}, nil)
	require.NoError(t, err)
	return gw
}

func TestTwilioGatewaySend(t *testing.T) {
	gw := newTwilioTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "+15551234", r.PostForm.Get("To"))
		assert.Equal(t, "+15550000", r.PostForm.Get("From"))
		assert.Equal(t, "hello", r.PostForm.Get("Body"))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	})

	assert.NoError(t, gw.Send(context.Background(), "+15551234", "hello"))
}

func TestTwilioGatewayErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		gw := newTwilioTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"code":21211,"message":"invalid To number"}`))
		})

		err := gw.Send(context.Background(), "+1", "hello")
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.permanent, IsPermanent(err), "status %d", tt.status)
		assert.Contains(t, err.Error(), "invalid To number")
	}
}

func TestNewTwilioGatewayRequiresCredentials(t *testing.T) {
	_, err := NewTwilioGateway(TwilioConfig{From: "+1"}, nil)
	assert.Error(t, err)
	_, err = NewTwilioGateway(TwilioConfig{AccountSID: "AC", AuthToken: "x"}, nil)
	assert.Error(t, err)
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESGatewaySend(t *testing.T) {
	client := &fakeSES{}
	gw, err := NewSESGateway(client, SESConfig{FromEmail: "care@clinic.test", FromName: "Clinic"}, nil)
	require.NoError(t, err)

	require.NoError(t, gw.Send(context.Background(), "pat@example.com", "Subject", "<p>Body &amp; more</p>"))

	in := client.input
	require.NotNil(t, in)
	assert.Equal(t, "Clinic <care@clinic.test>", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"pat@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "Subject", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Equal(t, "<p>Body &amp; more</p>", aws.ToString(in.Content.Simple.Body.Html.Data))
	assert.Equal(t, "Body & more", aws.ToString(in.Content.Simple.Body.Text.Data))
}

func TestSESGatewayRejectedIsPermanent(t *testing.T) {
	client := &fakeSES{err: &types.MessageRejected{Message: aws.String("address blacklisted")}}
	gw, err := NewSESGateway(client, SESConfig{FromEmail: "care@clinic.test"}, nil)
	require.NoError(t, err)

	err = gw.Send(context.Background(), "x@example.com", "s", "<p>b</p>")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	client.err = assert.AnError
	err = gw.Send(context.Background(), "x@example.com", "s", "<p>b</p>")
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestNewSendGridGatewayValidates(t *testing.T) {
	_, err := NewSendGridGateway(SendGridConfig{FromEmail: "a@b.c"}, nil)
	assert.Error(t, err)
	_, err = NewSendGridGateway(SendGridConfig{APIKey: "SG.x"}, nil)
	assert.Error(t, err)

	gw, err := NewSendGridGateway(SendGridConfig{APIKey: "SG.x", FromEmail: "a@b.c"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Telehealth", gw.fromName)
}
