package crawler

import (
	"strings"
	"time"
)

// SectionKey names a repeated tabular section of a detail page.
type SectionKey string

// Known sections of a registrant detail page.
const (
	SectionHistory                 SectionKey = "registrant_history"
	SectionPracticeLocations       SectionKey = "practice_locations"
	SectionProfessionalCorporation SectionKey = "professional_corporation"
)

// Sections lists every section key in rendering order.
var Sections = []SectionKey{
	SectionHistory,
	SectionPracticeLocations,
	SectionProfessionalCorporation,
}

// DetailRecord is the result of fetching one identifier. When Error is set
// only Identifier, URL and FetchedAt are meaningful.
type DetailRecord struct {
	Identifier         Identifier                         `json:"userid" yaml:"userid"`
	URL                string                             `json:"url" yaml:"url"`
	Name               string                             `json:"name" yaml:"name"`
	RegistrationNumber string                             `json:"registration_number,omitempty" yaml:"registration_number,omitempty"`
	RegistrationDate   string                             `json:"registration_date,omitempty" yaml:"registration_date,omitempty"`
	RegisteredOn       *time.Time                         `json:"registered_on,omitempty" yaml:"registered_on,omitempty"`
	NameUsedInPractice string                             `json:"name_used_in_practice,omitempty" yaml:"name_used_in_practice,omitempty"`
	RegistrantType     string                             `json:"registrant_type,omitempty" yaml:"registrant_type,omitempty"`
	LanguagesOfCare    string                             `json:"languages_of_care,omitempty" yaml:"languages_of_care,omitempty"`
	RegistrationStatus string                             `json:"registration_status,omitempty" yaml:"registration_status,omitempty"`
	AreasOfPractice    string                             `json:"areas_of_practice,omitempty" yaml:"areas_of_practice,omitempty"`
	Sections           map[SectionKey][]map[string]string `json:"sections,omitempty" yaml:"sections,omitempty"`
	ContentHash        string                             `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	SnapshotURI        string                             `json:"snapshot_uri,omitempty" yaml:"snapshot_uri,omitempty"`
	FetchedAt          time.Time                          `json:"fetched_at" yaml:"fetched_at"`
	Error              string                             `json:"error,omitempty" yaml:"error,omitempty"`
}

// Failed reports whether the record is an error placeholder.
func (r DetailRecord) Failed() bool {
	return r.Error != ""
}

// ErrorRecord builds the placeholder produced when a fetch or parse fails.
func ErrorRecord(id Identifier, url string, err error, at time.Time) DetailRecord {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return DetailRecord{
		Identifier: id,
		URL:        url,
		FetchedAt:  at,
		Error:      msg,
	}
}

type fieldSetter func(r *DetailRecord, value string)

// fieldSchema maps page labels to record fields. Labels outside the table are
// ignored by ApplyField.
var fieldSchema = map[string]fieldSetter{
	"Registration Number":   func(r *DetailRecord, v string) { r.RegistrationNumber = v },
	"Date of Registration":  setRegistrationDate,
	"Name used in practice": func(r *DetailRecord, v string) { r.NameUsedInPractice = v },
	"Registrant Type":       func(r *DetailRecord, v string) { r.RegistrantType = v },
	"Languages":             func(r *DetailRecord, v string) { r.LanguagesOfCare = v },
	"Registration Status":   func(r *DetailRecord, v string) { r.RegistrationStatus = v },
	"Areas of Practice":     func(r *DetailRecord, v string) { r.AreasOfPractice = v },
}

// KnownLabels returns the labels understood by ApplyField.
func KnownLabels() []string {
	out := make([]string, 0, len(fieldSchema))
	for label := range fieldSchema {
		out = append(out, label)
	}
	return out
}

// ApplyField stores value under the field registered for label. It returns
// false when the label is not part of the schema.
func (r *DetailRecord) ApplyField(label, value string) bool {
	set, ok := fieldSchema[normalizeLabel(label)]
	if !ok {
		return false
	}
	set(r, strings.TrimSpace(value))
	return true
}

// ApplyFields applies every label/value pair and returns how many matched.
func (r *DetailRecord) ApplyFields(fields map[string]string) int {
	applied := 0
	for label, value := range fields {
		if r.ApplyField(label, value) {
			applied++
		}
	}
	return applied
}

func normalizeLabel(label string) string {
	return strings.TrimSuffix(strings.TrimSpace(label), ":")
}

var registrationDateLayouts = []string{
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
	"1/2/2006",
	"02-Jan-2006",
}

func setRegistrationDate(r *DetailRecord, value string) {
	r.RegistrationDate = value
	r.RegisteredOn = nil
	for _, layout := range registrationDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			r.RegisteredOn = &t
			return
		}
	}
}
