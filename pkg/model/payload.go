package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

type ShelterStatus string

const (
	ShelterAvailable ShelterStatus = "available"
	ShelterLimited   ShelterStatus = "limited"
	ShelterFull      ShelterStatus = "full"
	ShelterEmergency ShelterStatus = "emergency"
	ShelterOffline   ShelterStatus = "offline"
)

type ResourceStatus string

const (
	ResourceAdequate    ResourceStatus = "adequate"
	ResourceLow         ResourceStatus = "low"
	ResourceCritical    ResourceStatus = "critical"
	ResourceUnavailable ResourceStatus = "unavailable"
)

type Capacity struct {
	Current int `json:"current"`
	Maximum int `json:"maximum"`
}

// Payload is the decoded data of a message. The concrete type is selected by
// the message action.
type Payload interface {
	payload()
}

type ShelterUpdate struct {
	ShelterID   string                    `json:"shelterId,omitempty"`
	Status      ShelterStatus             `json:"status,omitempty"`
	Capacity    *Capacity                 `json:"capacity,omitempty"`
	Resources   map[string]ResourceStatus `json:"resources,omitempty"`
	UrgentNeeds []string                  `json:"urgentNeeds,omitempty"`
	Timestamp   string                    `json:"timestamp,omitempty"`

	// Raw is the data exactly as received.
	Raw json.RawMessage `json:"-"`
}

type Alert struct {
	AlertID        string `json:"alertId,omitempty"`
	ShelterID      string `json:"shelterId,omitempty"`
	Type           string `json:"type,omitempty"`
	Priority       string `json:"priority,omitempty"`
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status,omitempty"`
	CreatedBy      string `json:"createdBy,omitempty"`
	AcknowledgedBy string `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt string `json:"acknowledgedAt,omitempty"`
	ResolvedAt     string `json:"resolvedAt,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`

	// Raw is the data exactly as received.
	Raw json.RawMessage `json:"-"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Opaque holds data for actions without a known shape.
type Opaque json.RawMessage

func (ShelterUpdate) payload() {}
func (Alert) payload()         {}
func (ErrorPayload) payload()  {}
func (Opaque) payload()        {}

// Payload decodes m.Data into the variant for m.Action. Unknown actions, and
// broadcasts whose data is application defined, decode to Opaque.
func (m Message) Payload() (Payload, error) {
	switch m.Action {
	case ActionShelterUpdate:
		p, err := DecodeShelterUpdate(m.Data)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ActionAlert:
		p, err := DecodeAlert(m.Data)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ActionError:
		return ErrorPayload{Message: m.ErrorText()}, nil
	default:
		return Opaque(m.Data), nil
	}
}

// DecodeShelterUpdate decodes data into a ShelterUpdate. The result carries
// data in Raw even when decoding fails; its typed fields are then best-effort.
func DecodeShelterUpdate(data json.RawMessage) (ShelterUpdate, error) {
	var p ShelterUpdate
	err := decode(data, &p)
	p.Raw = data
	return p, err
}

// DecodeAlert decodes data into an Alert. Like DecodeShelterUpdate, Raw is
// always set.
func DecodeAlert(data json.RawMessage) (Alert, error) {
	var p Alert
	err := decode(data, &p)
	p.Raw = data
	return p, err
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

var ErrShelterUpdateNotObject = errors.New("shelter update data must be an object")

// StampShelterID sets shelterId on a JSON object, keeping every other field.
// Empty or null data becomes an object holding only the shelter id.
func StampShelterID(data json.RawMessage, shelterID string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrShelterUpdateNotObject, err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	id, err := json.Marshal(shelterID)
	if err != nil {
		return nil, err
	}
	fields["shelterId"] = id
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal shelter update: %w", err)
	}
	return out, nil
}
