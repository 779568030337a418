package notify

import (
	"context"
	"errors"
	"fmt"

	"festival-booking/models"

	pubnub "github.com/pubnub/go/v7"
)

func UserChannel(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

func HostChannel(hostID string) string {
	return fmt.Sprintf("host-%s", hostID)
}

type publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

type pubnubPublisher struct {
	pn *pubnub.PubNub
}

func (p pubnubPublisher) Publish(ctx context.Context, channel string, message any) error {
	_, _, err := p.pn.PublishWithContext(ctx).
		Channel(channel).
		Message(message).
		Execute()
	return err
}

// PubNub delivers reservation events to the guest's and the host's
// channels. Delivery is best effort.
type PubNub struct {
	pub publisher
}

func NewPubNub(publishKey, subscribeKey, userID string) *PubNub {
	cfg := pubnub.NewConfigWithUserId(pubnub.UserId(userID))
	cfg.PublishKey = publishKey
	cfg.SubscribeKey = subscribeKey
	return &PubNub{pub: pubnubPublisher{pn: pubnub.NewPubNub(cfg)}}
}

func (n *PubNub) Notify(ctx context.Context, ev models.Event) error {
	var errs []error
	if ev.UserID != "" {
		if err := n.pub.Publish(ctx, UserChannel(ev.UserID), ev); err != nil {
			errs = append(errs, fmt.Errorf("publish %s to user: %w", ev.Type, err))
		}
	}
	if ev.HostID != "" && ev.HostID != ev.UserID {
		if err := n.pub.Publish(ctx, HostChannel(ev.HostID), ev); err != nil {
			errs = append(errs, fmt.Errorf("publish %s to host: %w", ev.Type, err))
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, models.Event) error { return nil }
