package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/logging"
)

const defaultDailyBaseURL = "https://api.daily.co/v1"

var dailyTracer = otel.Tracer("telehealth.internal.session.daily")

// DailyConfig controls the Daily REST client.
type DailyConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// DailyClient implements VideoProvider against the Daily REST API.
type DailyClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewDailyClient(cfg DailyConfig) (*DailyClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("session: daily API key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultDailyBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &DailyClient{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logging.OrNop(cfg.Logger),
	}, nil
}

var _ VideoProvider = (*DailyClient)(nil)

type dailyRoomProperties struct {
	NotBefore       int64  `json:"nbf"`
	Expires         int64  `json:"exp"`
	EjectAtRoomExp  bool   `json:"eject_at_room_exp"`
	EnableChat      bool   `json:"enable_chat"`
	EnableRecording string `json:"enable_recording,omitempty"`
	MaxParticipants int    `json:"max_participants,omitempty"`
}

type dailyRoomRequest struct {
	Name       string              `json:"name"`
	Privacy    string              `json:"privacy"`
	Properties dailyRoomProperties `json:"properties"`
}

type dailyRoom struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (c *DailyClient) CreateRoom(ctx context.Context, cfg RoomConfig) (Room, error) {
	privacy := "public"
	if cfg.Private {
		privacy = "private"
	}
	props := dailyRoomProperties{
		NotBefore:       cfg.NotBefore.Unix(),
		Expires:         cfg.ExpiresAt.Unix(),
		EjectAtRoomExp:  true,
		EnableChat:      cfg.EnableChat,
		MaxParticipants: cfg.MaxParticipants,
	}
	if cfg.EnableRecording {
		props.EnableRecording = "cloud"
	}

	var out dailyRoom
	err := c.invoke(ctx, "daily.create_room", http.MethodPost, "/rooms", dailyRoomRequest{
		Name:       cfg.Name,
		Privacy:    privacy,
		Properties: props,
	}, &out)
	if err != nil {
		return Room{}, err
	}
	if out.Name == "" || out.URL == "" {
		return Room{}, &ProviderError{StatusCode: http.StatusBadGateway, Message: "room response missing name or url"}
	}
	return Room{ID: out.Name, JoinURL: out.URL}, nil
}

type dailyTokenRequest struct {
	Properties struct {
		RoomName string `json:"room_name"`
		Expires  int64  `json:"exp"`
		UserName string `json:"user_name"`
		IsOwner  bool   `json:"is_owner"`
	} `json:"properties"`
}

func (c *DailyClient) CreateToken(ctx context.Context, roomID string, participant Participant, expiresAt time.Time) (string, error) {
	var req dailyTokenRequest
	req.Properties.RoomName = roomID
	req.Properties.Expires = expiresAt.Unix()
	req.Properties.UserName = string(participant)
	req.Properties.IsOwner = participant == ParticipantDoctor

	var out struct {
		Token string `json:"token"`
	}
	if err := c.invoke(ctx, "daily.create_token", http.MethodPost, "/meeting-tokens", req, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &ProviderError{StatusCode: http.StatusBadGateway, Message: "empty meeting token"}
	}
	return out.Token, nil
}

func (c *DailyClient) DeleteRoom(ctx context.Context, roomID string) error {
	err := c.invoke(ctx, "daily.delete_room", http.MethodDelete, "/rooms/"+url.PathEscape(roomID), nil, nil)
	var perr *ProviderError
	if errors.As(err, &perr) && perr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *DailyClient) invoke(ctx context.Context, spanName, method, path string, body, out any) error {
	ctx, span := dailyTracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path))

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("session: marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("session: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return fmt.Errorf("session: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{StatusCode: resp.StatusCode, Message: providerMessage(data)}
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Message)
		c.logger.Warn("video provider call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Bool("transient", perr.Transient()),
		)
		return perr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProviderError{StatusCode: http.StatusBadGateway, Message: "decode response: " + err.Error()}
	}
	return nil
}

func providerMessage(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
		Info  string `json:"info"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.Error != "" || parsed.Info != "") {
		return strings.TrimSpace(parsed.Error + " " + parsed.Info)
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty body"
	}
	return msg
}
