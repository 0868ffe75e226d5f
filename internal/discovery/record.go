package discovery

import (
	"encoding/json"
	"fablab/internal/hypermedia"
	"maps"
)

// Fields extracted from a machine entity and persisted in its record.
const (
	FieldID     = "id"
	FieldURL    = "url"
	FieldName   = "name"
	FieldVendor = "vendor"
	FieldType   = "type"
	FieldState  = "state"
)

// MachineRecord is the persisted description of one machine.
type MachineRecord struct {
	ID     string
	URL    string
	Name   string
	Vendor string
	Type   string
	State  string
	// Extra holds any other scalar properties stored alongside the fixed fields.
	Extra map[string]string
}

// RecordFromEntity extracts a record from a followed machine entity.
// The id is required; ok is false when the entity carries none.
func RecordFromEntity(e *hypermedia.Entity) (rec MachineRecord, ok bool) {
	return FromHash(e.StringProperties())
}

// FromHash decodes a registry hash. ok is false when the hash has no id.
func FromHash(h map[string]string) (MachineRecord, bool) {
	rec := MachineRecord{
		ID:     h[FieldID],
		URL:    h[FieldURL],
		Name:   h[FieldName],
		Vendor: h[FieldVendor],
		Type:   h[FieldType],
		State:  h[FieldState],
	}
	for k, v := range h {
		switch k {
		case FieldID, FieldURL, FieldName, FieldVendor, FieldType, FieldState:
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]string)
		}
		rec.Extra[k] = v
	}
	return rec, rec.ID != ""
}

// ToHash encodes the record for the registry. Empty fixed fields are omitted.
func (r MachineRecord) ToHash() map[string]string {
	h := make(map[string]string, 6+len(r.Extra))
	maps.Copy(h, r.Extra)
	for k, v := range map[string]string{
		FieldID:     r.ID,
		FieldURL:    r.URL,
		FieldName:   r.Name,
		FieldVendor: r.Vendor,
		FieldType:   r.Type,
		FieldState:  r.State,
	} {
		if v != "" {
			h[k] = v
		}
	}
	return h
}

// MarshalJSON renders the record as the flat object stored in the registry.
func (r MachineRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToHash())
}

// UnmarshalJSON accepts the flat object produced by MarshalJSON.
func (r *MachineRecord) UnmarshalJSON(data []byte) error {
	var h map[string]string
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	*r, _ = FromHash(h)
	return nil
}
