package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"todochain/internal/events"
)

const notificationTitle = "Task Reminder"

type SenderOptions struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	HTTPClient      webpush.HTTPClient
	Logger          *log.Logger
}

// Sender delivers notifications to every stored subscription.
type Sender struct {
	store  Store
	events events.Writer
	opts   SenderOptions
	logger *log.Logger
}

// BroadcastResult counts delivery outcomes.
type BroadcastResult struct {
	Sent    int `json:"sent"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

func NewSender(store Store, w events.Writer, opts SenderOptions) (*Sender, error) {
	if opts.VAPIDPublicKey == "" || opts.VAPIDPrivateKey == "" {
		return nil, errors.New("vapid key pair is required for push delivery")
	}
	if opts.TTL <= 0 {
		opts.TTL = 60
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Sender{store: store, events: w, opts: opts, logger: logger}, nil
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Broadcast sends message to all subscriptions. Endpoints answering 404 or
// 410 are gone and get removed; other failures are counted and logged.
func (s *Sender) Broadcast(ctx context.Context, message string) (BroadcastResult, error) {
	var res BroadcastResult
	payload, err := json.Marshal(notification{Title: notificationTitle, Body: message})
	if err != nil {
		return res, err
	}
	subs, err := s.store.List(ctx)
	if err != nil {
		return res, err
	}
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		target := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, target, &webpush.Options{
			HTTPClient:      s.opts.HTTPClient,
			Subscriber:      s.opts.Subscriber,
			TTL:             s.opts.TTL,
			VAPIDPublicKey:  s.opts.VAPIDPublicKey,
			VAPIDPrivateKey: s.opts.VAPIDPrivateKey,
		})
		if err != nil {
			res.Failed++
			s.logger.Printf("push to %s: %v", sub.Endpoint, err)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			if err := s.store.RemoveByKey(ctx, sub.Endpoint); err != nil {
				s.logger.Printf("remove expired subscription %s: %v", sub.Endpoint, err)
				res.Failed++
				continue
			}
			_ = s.events.Append(ctx, events.SubscriptionRemoved, "subscription", sub.Endpoint, "", events.EventPayload{"status": resp.StatusCode})
			res.Removed++
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			res.Sent++
		default:
			res.Failed++
			s.logger.Printf("push to %s: status %d", sub.Endpoint, resp.StatusCode)
		}
	}
	return res, nil
}
