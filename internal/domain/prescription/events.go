package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a fulfillment domain event.
type EventType string

const (
	EventPrescriptionCreated         EventType = "PrescriptionCreated"
	EventPrescriptionValidated       EventType = "PrescriptionValidated"
	EventPrescriptionCancelled       EventType = "PrescriptionCancelled"
	EventBatchDispensed              EventType = "BatchDispensed"
	EventPrescriptionPartiallyFilled EventType = "PrescriptionPartiallyFilled"
	EventPrescriptionFilled          EventType = "PrescriptionFilled"
)

// Event is a fulfillment domain event. Events are written to the
// transactional outbox in the same transaction as the state change they
// describe, and relayed to Kafka asynchronously.
type Event struct {
	ID            string          `json:"id"`
	Folio         int64           `json:"folio"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	ActorID       string          `json:"actor_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent marshals data into a fulfillment event for folio.
func NewEvent(folio int64, eventType EventType, actorID string, data interface{}) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Folio:     folio,
		EventType: eventType,
		EventData: payload,
		ActorID:   actorID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// CreatedData describes a new prescription.
type CreatedData struct {
	Folio     int64    `json:"folio"`
	PatientID string   `json:"patient_id"`
	Type      Type     `json:"type"`
	Priority  Priority `json:"priority"`
	ItemCount int      `json:"item_count"`
}

// ValidatedData describes a validation.
type ValidatedData struct {
	Folio       int64     `json:"folio"`
	ValidatedBy string    `json:"validated_by"`
	ValidatedAt time.Time `json:"validated_at"`
}

// CancelledData describes a cancellation. Dispensed batches stand and
// stock is not restored.
type CancelledData struct {
	Folio       int64  `json:"folio"`
	CancelledBy string `json:"cancelled_by"`
	FromState   State  `json:"from_state"`
}

// BatchDispensedData describes one committed dispensing event.
type BatchDispensedData struct {
	Folio          int64     `json:"folio"`
	LineItemID     uuid.UUID `json:"line_item_id"`
	MedicationKey  string    `json:"medication_key"`
	BatchID        uuid.UUID `json:"batch_id"`
	Lot            string    `json:"lot"`
	Quantity       int       `json:"quantity"`
	DispensedTotal int       `json:"dispensed_total"`
	Remaining      int       `json:"remaining"`
	StockAfter     int       `json:"stock_after"`
}

// StateChangedData describes a derived transition into PARTIALLY_FILLED
// or FILLED.
type StateChangedData struct {
	Folio int64 `json:"folio"`
	State State `json:"state"`
}
