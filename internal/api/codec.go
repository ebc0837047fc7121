package api

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/commitlog"
	"github.com/roach88/mlscore/internal/cursor"
	"github.com/roach88/mlscore/internal/membership"
)

// wireEnvelope is the persisted form of an Envelope. Exactly one payload
// field is set.
type wireEnvelope struct {
	Topic     string                      `json:"topic"`
	Cursor    cursor.Cursor               `json:"cursor"`
	DependsOn cursor.GlobalCursor         `json:"depends_on,omitempty"`
	Identity  *association.IdentityUpdate `json:"identity_update,omitempty"`
	Group     *wireGroupMessage           `json:"group_message,omitempty"`
	Welcome   *membership.Welcome         `json:"welcome,omitempty"`
	Readd     *wireReaddRequest           `json:"readd_request,omitempty"`
}

type wireReaddRequest struct {
	Request        commitlog.ReaddRequest `json:"request"`
	InboxID        string                 `json:"inbox_id"`
	InstallationID string                 `json:"installation_id"`
}

type wireGroupMessage struct {
	GroupID string           `json:"group_id"`
	Data    []byte           `json:"data,omitempty"`
	Commit  *commitlog.Entry `json:"commit,omitempty"`
}

// MarshalEnvelope encodes an envelope for the icebox table.
func MarshalEnvelope(e Envelope) ([]byte, error) {
	w := wireEnvelope{Topic: e.Topic.String(), Cursor: e.Cursor, DependsOn: e.DependsOn}
	switch p := e.Payload.(type) {
	case IdentityUpdatePayload:
		w.Identity = &p.Update
	case GroupMessagePayload:
		w.Group = &wireGroupMessage{GroupID: p.GroupID, Data: p.Data, Commit: p.Commit}
	case WelcomePayload:
		w.Welcome = &p.Welcome
	case ReaddRequestPayload:
		w.Readd = &wireReaddRequest{Request: p.Request, InboxID: p.InboxID, InstallationID: p.InstallationID}
	default:
		return nil, fmt.Errorf("marshal envelope %s: unknown payload %T", e.Topic, e.Payload)
	}
	return json.Marshal(w)
}

// UnmarshalEnvelope decodes the form written by MarshalEnvelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	topic, err := ParseTopic(w.Topic)
	if err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	e := Envelope{Topic: topic, Cursor: w.Cursor, DependsOn: w.DependsOn}
	switch {
	case w.Identity != nil:
		e.Payload = IdentityUpdatePayload{Update: *w.Identity}
	case w.Group != nil:
		e.Payload = GroupMessagePayload{GroupID: w.Group.GroupID, Data: w.Group.Data, Commit: w.Group.Commit}
	case w.Welcome != nil:
		e.Payload = WelcomePayload{Welcome: *w.Welcome}
	case w.Readd != nil:
		e.Payload = ReaddRequestPayload{Request: w.Readd.Request, InboxID: w.Readd.InboxID, InstallationID: w.Readd.InstallationID}
	default:
		return Envelope{}, fmt.Errorf("unmarshal envelope %s: no payload", w.Topic)
	}
	return e, nil
}
