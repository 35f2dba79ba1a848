package email

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderbridge/orderbridge/internal/config"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email   string
		wantErr bool
	}{
		{"owner@example.com", false},
		{"Shop Owner <owner@example.com>", false},
		{"owner@example.com\r\nBcc: x@example.com", true},
		{"a@example.com, b@example.com", true},
		{"not-an-address", true},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSender(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.EmailConfig
		wantName string
		wantErr  bool
	}{
		{"default smtp", config.EmailConfig{}, "smtp", false},
		{"resend", config.EmailConfig{Provider: "resend", ResendAPIKey: "re_x"}, "resend", false},
		{"resend without key", config.EmailConfig{Provider: "resend"}, "", true},
		{"sendgrid", config.EmailConfig{Provider: "sendgrid", SendGridAPIKey: "SG.x"}, "sendgrid", false},
		{"unknown", config.EmailConfig{Provider: "pigeon"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSender(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, s.Name())
		})
	}
}

func TestSendRejectsHeaderInjection(t *testing.T) {
	s := NewSMTPSender(config.SMTPConfig{Host: "localhost", Port: 25}, "shop@example.com")
	res := s.Send(context.Background(), Message{
		To:      "owner@example.com",
		Subject: "Hi\r\nBcc: victim@example.com",
		Body:    "x",
	})
	assert.False(t, res.Success)
	assert.Error(t, res.Error)
}

func TestBuildMessage(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	raw, id, err := buildMessage(Message{
		From:    "shop@example.com",
		To:      "b@example.com",
		Subject: "Seguimiento: pedido de José Núñez",
		Body:    "Hola,\nel pedido lleva una semana.",
	}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotContains(t, string(raw), "José", "non-ASCII text must be encoded")

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Seguimiento: pedido de José Núñez", subject)
	date, err := mr.Header.Date()
	require.NoError(t, err)
	assert.True(t, now.Equal(date))

	part, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, "Hola,\nel pedido lleva una semana.", strings.ReplaceAll(string(body), "\r\n", "\n"))
}

func TestBuildMessageRejectsBadAddress(t *testing.T) {
	_, _, err := buildMessage(Message{From: "not an address", To: "b@example.com"}, time.Now())
	assert.Error(t, err)
}

func TestResendSender(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"id": "49a3999c"})
	}))
	defer server.Close()

	s := NewResendSender("re_test")
	require.NoError(t, s.withBaseURL(server.URL))

	res := s.Send(context.Background(), Message{
		From: "shop@example.com", To: "owner@example.com", Subject: "Seguimiento", Body: "hola",
	})
	require.NoError(t, res.Error)
	assert.True(t, res.Success)
	assert.Equal(t, "49a3999c", res.MessageID)
	assert.Equal(t, "Seguimiento", got["subject"])
}

func TestSendGridSender(t *testing.T) {
	status := http.StatusAccepted
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer SG.test", r.Header.Get("Authorization"))
		w.Header().Set("X-Message-Id", "sg-1")
		w.WriteHeader(status)
	}))
	defer server.Close()

	s := NewSendGridSender("SG.test")
	s.host = server.URL
	msg := Message{From: "shop@example.com", To: "owner@example.com", Subject: "Seguimiento", Body: "hola"}

	res := s.Send(context.Background(), msg)
	require.NoError(t, res.Error)
	assert.Equal(t, "sg-1", res.MessageID)

	status = http.StatusUnauthorized
	res = s.Send(context.Background(), msg)
	assert.False(t, res.Success)
	assert.Error(t, res.Error)
}
