package email_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitfusion/billing/pkg/email"
)

func TestSendEmailParams_Validate(t *testing.T) {
	t.Parallel()

	valid := email.SendEmailParams{SendTo: "user@example.com", Subject: "Hi", BodyHTML: "<p>x</p>"}

	tests := []struct {
		name   string
		mutate func(p *email.SendEmailParams)
		errMsg string
	}{
		{name: "valid", mutate: func(*email.SendEmailParams) {}},
		{name: "plus addressing", mutate: func(p *email.SendEmailParams) { p.SendTo = "a.b+tag@sub.example.com" }},
		{name: "empty recipient", mutate: func(p *email.SendEmailParams) { p.SendTo = "  " }, errMsg: "SendTo is required"},
		{name: "bad recipient", mutate: func(p *email.SendEmailParams) { p.SendTo = "user@" }, errMsg: "SendTo must be a valid email address"},
		{name: "empty subject", mutate: func(p *email.SendEmailParams) { p.Subject = "" }, errMsg: "Subject is required"},
		{name: "empty body", mutate: func(p *email.SendEmailParams) { p.BodyHTML = " " }, errMsg: "BodyHTML is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, email.ErrInvalidParams)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDevSender_SendEmail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sender := email.NewDevSender(dir)

	err := sender.SendEmail(context.Background(), email.SendEmailParams{
		SendTo:   "user@example.com",
		Subject:  "Your subscription is active",
		BodyHTML: "<p>Welcome</p>",
		Tag:      "subscription_confirmation",
	})
	require.NoError(t, err)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	for _, f := range files {
		assert.Contains(t, f.Name(), "subscription_confirmation")
		content, err := os.ReadFile(filepath.Join(dir, f.Name()))
		require.NoError(t, err)
		if strings.HasSuffix(f.Name(), ".html") {
			assert.Equal(t, "<p>Welcome</p>", string(content))
			continue
		}
		var envelope map[string]any
		require.NoError(t, json.Unmarshal(content, &envelope))
		assert.Equal(t, "user@example.com", envelope["send_to"])
		assert.Equal(t, "Your subscription is active", envelope["subject"])
	}

	t.Run("invalid params write nothing", func(t *testing.T) {
		t.Parallel()
		other := t.TempDir()
		err := email.NewDevSender(other).SendEmail(context.Background(), email.SendEmailParams{Subject: "x", BodyHTML: "y"})
		assert.ErrorIs(t, err, email.ErrInvalidParams)
		files, _ := os.ReadDir(other)
		assert.Empty(t, files)
	})
}

func TestNewPostmarkClient(t *testing.T) {
	t.Parallel()

	cfg := email.Config{
		PostmarkServerToken: "server-token",
		SenderEmail:         "noreply@example.com",
		SupportEmail:        "support@example.com",
	}
	client, err := email.NewPostmarkClient(cfg)
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.True(t, cfg.UsePostmark())

	t.Run("missing token", func(t *testing.T) {
		t.Parallel()
		bad := cfg
		bad.PostmarkServerToken = ""
		_, err := email.NewPostmarkClient(bad)
		assert.ErrorIs(t, err, email.ErrInvalidConfig)
		assert.False(t, bad.UsePostmark())
	})

	t.Run("invalid sender", func(t *testing.T) {
		t.Parallel()
		bad := cfg
		bad.SenderEmail = "nobody"
		_, err := email.NewPostmarkClient(bad)
		assert.ErrorIs(t, err, email.ErrInvalidConfig)
	})

	t.Run("params validated before sending", func(t *testing.T) {
		t.Parallel()
		err := client.SendEmail(context.Background(), email.SendEmailParams{SendTo: "bad"})
		assert.ErrorIs(t, err, email.ErrInvalidParams)
	})
}
