package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/go-nats-chat-console/models"
	"github.com/karthikraju391/go-nats-chat-console/transport"
	"github.com/karthikraju391/go-nats-chat-console/transport/memory"
)

func relayRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "/api/v1/push", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return req
}

func TestRelay_PublishesToSubscribers(t *testing.T) {
	broker := memory.NewBroker()
	var got []byte
	_, err := broker.Subscribe(context.Background(), transport.Channel{Family: transport.FamilyGroup, TargetID: 7},
		transport.Callbacks{OnFrame: func(d []byte) { got = d }})
	require.NoError(t, err)

	app := fiber.New()
	app.Post("/api/v1/push", Relay(func(_ context.Context, m models.Message) error {
		_, err := broker.PublishMessage(m)
		return err
	}))

	resp, err := app.Test(relayRequest(t, `{"message":{"id":5,"body":"hi","user_id":2,"group_id":7}}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Contains(t, string(got), `"group_id":7`)
}

func TestRelay_RejectsBadFrames(t *testing.T) {
	app := fiber.New()
	app.Post("/api/v1/push", Relay(func(context.Context, models.Message) error {
		return errors.New("nats down")
	}))

	for body, want := range map[string]int{
		`not json`:                                 fiber.StatusBadRequest,
		`{}`:                                       fiber.StatusBadRequest,
		`{"message":{"id":1,"body":"x"}}`:          fiber.StatusBadRequest,
		`{"message":{"id":1,"conversation_id":3}}`: fiber.StatusBadGateway,
	} {
		resp, err := app.Test(relayRequest(t, body))
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, body)
	}
}
