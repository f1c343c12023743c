// Package nostr signs text notes and broadcasts them to relays over
// websockets, following NIP-01 for the event shape and NIP-19 for key
// encoding.
package nostr

import (
	"errors"
	"fmt"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/blackmichael/peertube-nostr/internal/domain"
)

// KindTextNote is the NIP-01 short text note kind.
const KindTextNote = 1

func toEvent(ev *domain.SignedMessage) gonostr.Event {
	tags := make(gonostr.Tags, 0, len(ev.Tags))
	for _, t := range ev.Tags {
		tags = append(tags, gonostr.Tag(t))
	}
	return gonostr.Event{
		ID:        ev.ID,
		PubKey:    ev.PubKey,
		CreatedAt: gonostr.Timestamp(ev.CreatedAt),
		Kind:      ev.Kind,
		Tags:      tags,
		Content:   ev.Content,
		Sig:       ev.Sig,
	}
}

func fromEvent(e *gonostr.Event) *domain.SignedMessage {
	tags := make([][]string, 0, len(e.Tags))
	for _, t := range e.Tags {
		tags = append(tags, []string(t))
	}
	return &domain.SignedMessage{
		ID:        e.ID,
		PubKey:    e.PubKey,
		CreatedAt: int64(e.CreatedAt),
		Kind:      e.Kind,
		Tags:      tags,
		Content:   e.Content,
		Sig:       e.Sig,
	}
}

// serialize returns the NIP-01 commitment the event id is hashed over.
func serialize(ev *domain.SignedMessage) []byte {
	e := toEvent(ev)
	return e.Serialize()
}

// EventID returns the hex sha256 of the event's serialized form.
func EventID(ev *domain.SignedMessage) string {
	e := toEvent(ev)
	return e.GetID()
}

// Verify checks that ev's id matches its content and that sig is a valid
// BIP-340 signature over it by pubkey.
func Verify(ev *domain.SignedMessage) error {
	e := toEvent(ev)
	if id := e.GetID(); id != ev.ID {
		return fmt.Errorf("event id mismatch: have %s, computed %s", ev.ID, id)
	}
	ok, err := e.CheckSignature()
	if err != nil {
		return fmt.Errorf("check signature: %w", err)
	}
	if !ok {
		return errors.New("invalid signature")
	}
	return nil
}
