package admin

import (
	"time"

	"github.com/danmuck/uspagent/internal/delivery"
	"github.com/danmuck/uspagent/internal/notify"
	"github.com/danmuck/uspagent/internal/protocol/session"
)

type subscriptionView struct {
	Path          string    `json:"path"`
	ID            string    `json:"id"`
	Recipient     string    `json:"recipient"`
	NotifType     string    `json:"notif_type"`
	ReferenceList []string  `json:"reference_list"`
	NotifRetry    bool      `json:"notif_retry"`
	Persistent    bool      `json:"persistent"`
	CreatedAt     time.Time `json:"created_at"`
	Expiry        time.Time `json:"expiry,omitempty"`
}

func subscriptionViews(subs []notify.Subscription) []subscriptionView {
	out := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		out = append(out, subscriptionView{
			Path:          s.Path,
			ID:            s.ID,
			Recipient:     s.Recipient,
			NotifType:     string(s.NotifType),
			ReferenceList: s.ReferenceList,
			NotifRetry:    s.NotifRetry,
			Persistent:    s.Persistent,
			CreatedAt:     s.CreatedAt,
			Expiry:        s.Expiry,
		})
	}
	return out
}

type pendingView struct {
	ID         string    `json:"id"`
	Peer       string    `json:"peer"`
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	RetryCount int       `json:"retry_count"`
	SentAt     time.Time `json:"sent_at"`
	Deadline   time.Time `json:"deadline"`
}

func pendingViews(list []delivery.Pending) []pendingView {
	out := make([]pendingView, 0, len(list))
	for _, p := range list {
		out = append(out, pendingView{
			ID:         p.ID,
			Peer:       p.Peer,
			Kind:       p.Kind.String(),
			State:      p.State.String(),
			RetryCount: p.RetryCount,
			SentAt:     p.SentAt,
			Deadline:   p.Deadline,
		})
	}
	return out
}

type sessionView struct {
	Peer       string `json:"peer"`
	SessionID  uint64 `json:"session_id"`
	SequenceID uint64 `json:"sequence_id"`
	ExpectedID uint64 `json:"expected_id"`
	Buffers    int    `json:"buffers"`
}

func sessionViews(list []session.Info) []sessionView {
	out := make([]sessionView, 0, len(list))
	for _, i := range list {
		out = append(out, sessionView(i))
	}
	return out
}
