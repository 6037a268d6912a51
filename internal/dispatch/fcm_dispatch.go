package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"firebase.google.com/go/v4/messaging"

	"github.com/example/driver-dispatch/internal/models"
)

var ErrNoDeviceToken = errors.New("driver has no registered device token")

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// TokenResolver maps a driver to its push token.
type TokenResolver interface {
	DeviceToken(ctx context.Context, driverID string) (string, error)
}

// TokenFunc adapts a plain function to TokenResolver.
type TokenFunc func(ctx context.Context, driverID string) (string, error)

func (f TokenFunc) DeviceToken(ctx context.Context, driverID string) (string, error) {
	return f(ctx, driverID)
}

// FCMPush is the native channel, a high priority data + notification message
// through Firebase Cloud Messaging.
type FCMPush struct {
	client messageSender
	tokens TokenResolver
}

func NewFCMPush(client *messaging.Client, tokens TokenResolver) *FCMPush {
	return &FCMPush{client: client, tokens: tokens}
}

func (f *FCMPush) Name() string { return "native" }

func (f *FCMPush) Send(ctx context.Context, offer models.Offer) error {
	token, err := f.tokens.DeviceToken(ctx, offer.DriverID)
	if err != nil {
		return fmt.Errorf("resolve device token: %w", err)
	}
	if token == "" {
		return ErrNoDeviceToken
	}
	if _, err := f.client.Send(ctx, buildMessage(token, offer)); err != nil {
		return fmt.Errorf("send fcm: %w", err)
	}
	return nil
}

func buildMessage(token string, offer models.Offer) *messaging.Message {
	title := "New " + string(offer.Job.Type) + " request"
	if offer.Kind == models.OfferReoffer {
		title = "Still waiting: " + string(offer.Job.Type) + " request"
	}
	return &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":        "job_offer",
			"offer_id":    offer.ID,
			"kind":        string(offer.Kind),
			"job_id":      offer.Job.ID,
			"job_type":    string(offer.Job.Type),
			"priority":    string(offer.Job.Priority),
			"pickup_lat":  strconv.FormatFloat(offer.Job.Pickup.Lat, 'f', 6, 64),
			"pickup_lon":  strconv.FormatFloat(offer.Job.Pickup.Lon, 'f', 6, 64),
			"distance_km": strconv.FormatFloat(offer.DistanceKm, 'f', 2, 64),
			"eta_seconds": strconv.FormatFloat(offer.ETASeconds, 'f', 0, 64),
		},
		Notification: &messaging.Notification{
			Title: title,
			Body:  fmt.Sprintf("Pickup %.1f km away", offer.DistanceKm),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
}
