package fhir

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// VitalSign is one Observation flattened for display.
type VitalSign struct {
	ID      string   `json:"id,omitempty"`
	Code    string   `json:"code,omitempty"`
	Display string   `json:"display,omitempty"`
	Value   *float64 `json:"value,omitempty"`
	Unit    string   `json:"unit,omitempty"`
	Date    string   `json:"date,omitempty"`
	Status  string   `json:"status,omitempty"`
}

// CarePlanSummary is one CarePlan flattened for display. Nested structures
// are passed through unchanged.
type CarePlanSummary struct {
	ID          string             `json:"id,omitempty"`
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	Status      string             `json:"status,omitempty"`
	Period      json.RawMessage    `json:"period,omitempty"`
	Goals       []string           `json:"goals,omitempty"`
	Activities  []CarePlanActivity `json:"activities,omitempty"`
}

type CarePlanActivity struct {
	Detail                 json.RawMessage `json:"detail,omitempty"`
	OutcomeCodeableConcept json.RawMessage `json:"outcomeCodeableConcept,omitempty"`
}

// FormatVitalSigns flattens the Observations of a search bundle. Missing
// fields are left empty; input that is not a bundle yields an empty slice.
func FormatVitalSigns(bundle []byte) []VitalSign {
	out := []VitalSign{}
	eachResource(bundle, func(r gjson.Result) {
		vs := VitalSign{
			ID:      r.Get("id").String(),
			Code:    r.Get("code.coding.0.code").String(),
			Display: r.Get("code.coding.0.display").String(),
			Unit:    r.Get("valueQuantity.unit").String(),
			Date:    r.Get("effectiveDateTime").String(),
			Status:  r.Get("status").String(),
		}
		if v := r.Get("valueQuantity.value"); v.Type == gjson.Number {
			f := v.Float()
			vs.Value = &f
		}
		out = append(out, vs)
	})
	return out
}

// FormatCarePlans flattens the CarePlans of a search bundle with the same
// tolerance as FormatVitalSigns.
func FormatCarePlans(bundle []byte) []CarePlanSummary {
	out := []CarePlanSummary{}
	eachResource(bundle, func(r gjson.Result) {
		cp := CarePlanSummary{
			ID:          r.Get("id").String(),
			Title:       r.Get("title").String(),
			Description: r.Get("description").String(),
			Status:      r.Get("status").String(),
			Period:      rawObject(r.Get("period")),
		}
		r.Get("goal").ForEach(func(_, g gjson.Result) bool {
			if ref := g.Get("reference"); ref.Type == gjson.String {
				cp.Goals = append(cp.Goals, ref.String())
			}
			return true
		})
		r.Get("activity").ForEach(func(_, a gjson.Result) bool {
			cp.Activities = append(cp.Activities, CarePlanActivity{
				Detail:                 rawObject(a.Get("detail")),
				OutcomeCodeableConcept: rawValue(a.Get("outcomeCodeableConcept")),
			})
			return true
		})
		out = append(out, cp)
	})
	return out
}

// eachResource calls fn for every entry[].resource object in bundle.
func eachResource(bundle []byte, fn func(gjson.Result)) {
	if !gjson.ValidBytes(bundle) {
		return
	}
	entries := gjson.GetBytes(bundle, "entry")
	if !entries.IsArray() {
		return
	}
	entries.ForEach(func(_, e gjson.Result) bool {
		if r := e.Get("resource"); r.IsObject() {
			fn(r)
		}
		return true
	})
}

func rawObject(r gjson.Result) json.RawMessage {
	if !r.IsObject() {
		return nil
	}
	return json.RawMessage(r.Raw)
}

func rawValue(r gjson.Result) json.RawMessage {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	return json.RawMessage(r.Raw)
}
