// Package notifications holds alert preferences and delivers course alerts.
package notifications

import (
	"context"

	"go.uber.org/zap"

	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/storage"
)

const alertSound = "delivery-alert.wav"

// Notification is a local alert.
type Notification struct {
	Title string
	Body  string
	Sound string
	Kind  string
}

// Notifier shows a notification to the courier.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log; the CLI has no other surface.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logging.OrNop(l.Log).Info("notification",
		zap.String("kind", n.Kind),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.String("sound", n.Sound),
	)
	return nil
}

// Preferences is persisted under the notification preferences key.
type Preferences struct {
	rec      *storage.Record[model.NotificationPreferences]
	notifier Notifier
}

// NewPreferences constructs preferences persisted in store, delivering through notifier.
func NewPreferences(store storage.Store, notifier Notifier) *Preferences {
	return &Preferences{
		rec: storage.NewRecord(store, storage.KeyNotificationPreferences, func() model.NotificationPreferences {
			return model.NotificationPreferences{SoundEnabled: true}
		}),
		notifier: notifier,
	}
}

func (p *Preferences) Get(ctx context.Context) (model.NotificationPreferences, error) {
	return p.rec.Get(ctx)
}

func (p *Preferences) SetSoundEnabled(ctx context.Context, enabled bool) (model.NotificationPreferences, error) {
	return p.rec.Update(ctx, func(cur model.NotificationPreferences) (model.NotificationPreferences, error) {
		cur.SoundEnabled = enabled
		return cur, nil
	})
}

// Reset restores the defaults.
func (p *Preferences) Reset(ctx context.Context) error {
	return p.rec.Reset(ctx)
}

// NotifyPackageAccepted alerts about an accepted parcel course, with sound if enabled.
func (p *Preferences) NotifyPackageAccepted(ctx context.Context, summary string) error {
	prefs, err := p.rec.Get(ctx)
	if err != nil {
		return err
	}
	n := Notification{Title: "Nouvelle course colis acceptée", Body: summary, Kind: "package_accepted"}
	if prefs.SoundEnabled {
		n.Sound = alertSound
	}
	return p.notifier.Notify(ctx, n)
}
