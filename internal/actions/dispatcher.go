// Package actions runs the side effects of a detection: snapshot, upload
// and notification. Failures never reach the caller; they show up as
// partial meta on the event.
package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/sentrycam/internal/event"
	"github.com/mikeyg42/sentrycam/internal/frame"
	"github.com/mikeyg42/sentrycam/internal/notification"
	"github.com/mikeyg42/sentrycam/internal/storage"
)

// Meta keys written by Trigger.
const (
	MetaSnapshot      = "snapshot"
	MetaSnapshotError = "snapshot_error"
	MetaSnapshotKey   = "snapshot_key"
	MetaUploadError   = "upload_error"
	MetaNotified      = "notified"
	MetaNotifyError   = "notify_error"
	MetaActionError   = "action_error"
)

// Config wires a Dispatcher. Snapshots and Notifier are optional.
type Config struct {
	Policy      Policy
	SnapshotDir string
	Encoder     frame.Encoder
	Snapshots   storage.SnapshotStore
	Notifier    notification.Notifier
}

// Stats counts dispatcher outcomes.
type Stats struct {
	Fired          uint64
	Suppressed     uint64
	SnapshotErrors uint64
	UploadErrors   uint64
	NotifyFailures uint64
	Panics         uint64
}

// Dispatcher evaluates the policy and runs actions synchronously in the
// caller's goroutine. It imposes no timeout of its own: a slow notifier
// stalls the caller for as long as the notifier's own bounds allow.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time

	fired, suppressed, snapshotErrs, uploadErrs, notifyFails, panics atomic.Uint64
}

// New creates a dispatcher. A nil encoder falls back to frame.JPEGEncoder.
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Encoder == nil {
		cfg.Encoder = frame.JPEGEncoder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		logger:    logger.Named("actions"),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
}

// Trigger runs the actions e qualifies for and returns what they produced.
// The map is empty when nothing fired. It never panics.
func (d *Dispatcher) Trigger(ctx context.Context, e event.Event, f *frame.Frame) (meta map[string]any) {
	meta = map[string]any{}

	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("Action panicked",
				zap.String("event_id", e.ID),
				zap.Any("panic", r))
			meta[MetaActionError] = fmt.Sprint(r)
		}
	}()

	if !d.cfg.Policy.Matches(e) || !d.claim(e.Type) {
		d.suppressed.Add(1)
		return meta
	}
	d.fired.Add(1)

	name, data := d.snapshot(e, f, meta)

	if d.cfg.Snapshots != nil && data != nil {
		key, err := d.cfg.Snapshots.PutSnapshot(ctx, name, e.Timestamp, data)
		if err != nil {
			d.uploadErrs.Add(1)
			d.logger.Warn("Snapshot upload failed",
				zap.String("event_id", e.ID),
				zap.Error(err))
			meta[MetaUploadError] = err.Error()
		} else {
			meta[MetaSnapshotKey] = key
		}
	}

	if d.cfg.Notifier != nil {
		alert := notification.Alert{
			EventID:      e.ID,
			Type:         e.Type,
			Mode:         string(e.Mode),
			Confidence:   e.Confidence,
			Timestamp:    e.Timestamp,
			SnapshotName: name,
			Snapshot:     data,
		}
		if err := d.cfg.Notifier.Notify(ctx, alert); err != nil {
			d.notifyFails.Add(1)
			d.logger.Warn("Notification failed",
				zap.String("event_id", e.ID),
				zap.Error(err))
			meta[MetaNotified] = false
			meta[MetaNotifyError] = err.Error()
		} else {
			meta[MetaNotified] = true
		}
	}

	d.logger.Info("Actions fired",
		zap.String("event_id", e.ID),
		zap.String("type", e.Type),
		zap.Int("meta_keys", len(meta)))
	return meta
}

// claim records a firing for typ unless it is still cooling down.
func (d *Dispatcher) claim(typ string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.lastFired[typ]; ok && d.cfg.Policy.Cooldown > 0 && now.Sub(last) < d.cfg.Policy.Cooldown {
		return false
	}
	d.lastFired[typ] = now
	return true
}

// snapshot encodes f and writes it under SnapshotDir. It returns the file
// name and the encoded bytes, or a nil slice when encoding failed.
func (d *Dispatcher) snapshot(e event.Event, f *frame.Frame, meta map[string]any) (string, []byte) {
	name := SnapshotName(e)
	if f == nil {
		d.snapshotErrs.Add(1)
		meta[MetaSnapshotError] = "no frame"
		return name, nil
	}

	data, err := d.cfg.Encoder.Encode(f)
	if err != nil {
		d.snapshotErrs.Add(1)
		d.logger.Warn("Snapshot encode failed", zap.String("event_id", e.ID), zap.Error(err))
		meta[MetaSnapshotError] = err.Error()
		return name, nil
	}

	if d.cfg.SnapshotDir == "" {
		return name, data
	}

	path := filepath.Join(d.cfg.SnapshotDir, name)
	if err := os.MkdirAll(d.cfg.SnapshotDir, 0o755); err != nil {
		d.snapshotErrs.Add(1)
		meta[MetaSnapshotError] = err.Error()
		return name, data
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		d.snapshotErrs.Add(1)
		d.logger.Warn("Snapshot write failed", zap.String("path", path), zap.Error(err))
		meta[MetaSnapshotError] = err.Error()
		return name, data
	}
	meta[MetaSnapshot] = path
	return name, data
}

// SnapshotName is "<UTC timestamp>_<type>_<first 8 of id>.jpg".
func SnapshotName(e event.Event) string {
	id := e.ID
	if len(id) > 8 {
		id = id[:8]
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("%s_%s_%s.jpg", ts.UTC().Format("20060102T150405Z"), sanitize(e.Type), sanitize(id))
}

func sanitize(s string) string {
	if s == "" {
		return "event"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, s)
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Fired:          d.fired.Load(),
		Suppressed:     d.suppressed.Load(),
		SnapshotErrors: d.snapshotErrs.Load(),
		UploadErrors:   d.uploadErrs.Load(),
		NotifyFailures: d.notifyFails.Load(),
		Panics:         d.panics.Load(),
	}
}
