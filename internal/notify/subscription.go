package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/uspagent/internal/datamodel"
)

type NotifType string

const (
	NotifValueChange       NotifType = "ValueChange"
	NotifObjectCreation    NotifType = "ObjectCreation"
	NotifObjectDeletion    NotifType = "ObjectDeletion"
	NotifOperationComplete NotifType = "OperationComplete"
	NotifEvent             NotifType = "Event"
	NotifPeriodic          NotifType = "Periodic"
	NotifBoot              NotifType = "Boot"
)

func (t NotifType) valid() bool {
	switch t {
	case NotifValueChange, NotifObjectCreation, NotifObjectDeletion,
		NotifOperationComplete, NotifEvent, NotifPeriodic, NotifBoot:
		return true
	}
	return false
}

const (
	BootEvent     = "Boot!"
	PeriodicEvent = "Periodic!"

	bootEventPath     = "Device."
	periodicEventPath = "Device.LocalAgent."
)

// Subscription is one row of Device.LocalAgent.Subscription.{i}.
type Subscription struct {
	Path            string
	ID              string
	Recipient       string
	NotifType       NotifType
	ReferenceList   []string
	NotifRetry      bool
	NotifExpiration time.Duration
	CreatedAt       time.Time
	Expiry          time.Time
	Enable          bool
	Persistent      bool
}

// Expired reports whether the subscription outlived its expiration.
func (s Subscription) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && !now.Before(s.Expiry)
}

// References reports whether any ReferenceList entry addresses path:
// exact, partial-path prefix or instance wildcard.
func (s Subscription) References(path string) bool {
	for _, ref := range s.ReferenceList {
		if ref == path || datamodel.Match(ref, path) {
			return true
		}
	}
	return false
}

// parseSubscription builds a Subscription from the parameters of one
// instance as returned by Backend.Get.
func parseSubscription(instPath string, values map[string]string, now time.Time) (Subscription, error) {
	get := func(name string) string { return values[instPath+name] }
	sub := Subscription{
		Path:       instPath,
		ID:         strings.TrimSpace(get("ID")),
		Recipient:  strings.TrimSpace(get("Recipient")),
		NotifType:  NotifType(strings.TrimSpace(get("NotifType"))),
		NotifRetry: datamodel.ParseBool(get("NotifRetry")),
		Enable:     datamodel.ParseBool(get("Enable")),
		Persistent: datamodel.ParseBool(get("Persistent")),
		CreatedAt:  now,
	}
	for _, ref := range strings.Split(get("ReferenceList"), ",") {
		if ref = strings.TrimSpace(ref); ref != "" {
			sub.ReferenceList = append(sub.ReferenceList, ref)
		}
	}
	if raw := get("CreationDate"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			sub.CreatedAt = ts
		}
	}
	if raw := get("NotifExpiration"); raw != "" {
		secs, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return Subscription{}, fmt.Errorf("%s NotifExpiration %q: %w", instPath, raw, err)
		}
		sub.NotifExpiration = time.Duration(secs) * time.Second
	}
	if sub.NotifExpiration > 0 {
		sub.Expiry = sub.CreatedAt.Add(sub.NotifExpiration)
	}
	if sub.Enable {
		if sub.ID == "" {
			return Subscription{}, fmt.Errorf("%s: enabled subscription without ID", instPath)
		}
		if !sub.NotifType.valid() {
			return Subscription{}, fmt.Errorf("%s: unknown NotifType %q", instPath, sub.NotifType)
		}
		if sub.Recipient == "" {
			return Subscription{}, fmt.Errorf("%s: enabled subscription without Recipient", instPath)
		}
	}
	return sub, nil
}

// table is an immutable snapshot keyed by instance path.
type table map[string]Subscription

func (t table) with(sub Subscription) table {
	next := make(table, len(t)+1)
	for k, v := range t {
		next[k] = v
	}
	next[sub.Path] = sub
	return next
}

func (t table) without(paths ...string) table {
	next := make(table, len(t))
	for k, v := range t {
		next[k] = v
	}
	for _, p := range paths {
		delete(next, p)
	}
	return next
}
