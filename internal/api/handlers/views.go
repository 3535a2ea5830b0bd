package handlers

import (
	"time"

	"github.com/hospimed/go-dispense/internal/dispense"
	"github.com/hospimed/go-dispense/internal/domain/prescription"
	"github.com/hospimed/go-dispense/internal/domain/stock"
)

// Wire views. The domain structs stay free of JSON tags; everything the
// API exposes goes through these.

type prescriptionView struct {
	Folio         int64          `json:"folio"`
	PatientID     string         `json:"patient_id"`
	Type          string         `json:"type"`
	State         string         `json:"state"`
	Priority      string         `json:"priority"`
	Service       string         `json:"service,omitempty"`
	Diagnosis     string         `json:"diagnosis,omitempty"`
	PrescribedBy  string         `json:"prescribed_by,omitempty"`
	ValidatedBy   string         `json:"validated_by,omitempty"`
	DispensedBy   string         `json:"dispensed_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ValidatedAt   *time.Time     `json:"validated_at,omitempty"`
	PartialFillAt *time.Time     `json:"partial_fill_at,omitempty"`
	FilledAt      *time.Time     `json:"filled_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Items         []lineItemView `json:"items,omitempty"`
}

type lineItemView struct {
	ID              string      `json:"id"`
	MedicationKey   string      `json:"medication_key"`
	Description     string      `json:"description,omitempty"`
	Dose            string      `json:"dose,omitempty"`
	PrescribedQty   int         `json:"prescribed_qty"`
	DispensedTotal  int         `json:"dispensed_total"`
	Remaining       int         `json:"remaining"`
	PercentComplete int         `json:"percent_complete"`
	IsComplete      bool        `json:"is_complete"`
	Batches         []batchView `json:"batches,omitempty"`
}

type batchView struct {
	ID          string    `json:"id"`
	Lot         string    `json:"lot"`
	Expiry      string    `json:"expiry"`
	Quantity    int       `json:"quantity"`
	DispensedBy string    `json:"dispensed_by"`
	DispensedAt time.Time `json:"dispensed_at"`
	Note        string    `json:"note,omitempty"`
}

type stockView struct {
	MedicationKey  string    `json:"medication_key"`
	CurrentStock   int       `json:"current_stock"`
	ReservedStock  int       `json:"reserved_stock"`
	Available      int       `json:"available"`
	LastMovementAt time.Time `json:"last_movement_at"`
}

type dispenseView struct {
	Batch          batchView        `json:"batch"`
	LineItem       lineItemView     `json:"line_item"`
	Prescription   prescriptionView `json:"prescription"`
	StockAvailable int              `json:"stock_available"`
}

func viewPrescription(p *prescription.Prescription) prescriptionView {
	v := prescriptionView{
		Folio:         p.Folio,
		PatientID:     p.PatientID,
		Type:          string(p.Type),
		State:         string(p.State),
		Priority:      string(p.Priority),
		Service:       p.Service,
		Diagnosis:     p.Diagnosis,
		PrescribedBy:  p.PrescribedBy,
		ValidatedBy:   p.ValidatedBy,
		DispensedBy:   p.DispensedBy,
		CreatedAt:     p.CreatedAt,
		ValidatedAt:   p.ValidatedAt,
		PartialFillAt: p.PartialFillAt,
		FilledAt:      p.FilledAt,
		UpdatedAt:     p.UpdatedAt,
	}
	for _, it := range p.Items {
		v.Items = append(v.Items, viewLineItem(it))
	}
	return v
}

func viewLineItem(li *prescription.LineItem) lineItemView {
	v := lineItemView{
		ID:              li.ID.String(),
		MedicationKey:   li.MedicationKey,
		Description:     li.Description,
		Dose:            li.Dose,
		PrescribedQty:   li.PrescribedQty,
		DispensedTotal:  li.DispensedTotal(),
		Remaining:       li.Remaining(),
		PercentComplete: li.PercentComplete(),
		IsComplete:      li.IsComplete(),
	}
	for _, b := range li.Batches {
		v.Batches = append(v.Batches, viewBatch(b))
	}
	return v
}

func viewBatch(b *prescription.Batch) batchView {
	return batchView{
		ID:          b.ID.String(),
		Lot:         b.Lot,
		Expiry:      b.Expiry.Format("2006-01-02"),
		Quantity:    b.Quantity,
		DispensedBy: b.DispensedBy,
		DispensedAt: b.DispensedAt,
		Note:        b.Note,
	}
}

func viewStock(r *stock.Record) stockView {
	return stockView{
		MedicationKey:  r.MedicationKey,
		CurrentStock:   r.CurrentStock,
		ReservedStock:  r.ReservedStock,
		Available:      r.Available(),
		LastMovementAt: r.LastMovementAt,
	}
}

func viewDispense(res *dispense.DispenseResult) dispenseView {
	return dispenseView{
		Batch:          viewBatch(res.Batch),
		LineItem:       viewLineItem(res.LineItem),
		Prescription:   viewPrescription(res.Prescription),
		StockAvailable: res.StockAvailable,
	}
}
