package central

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// DeviceTemplate is the subset of a Central device template needed to derive telemetry schemas.
type DeviceTemplate struct {
	ID              string          `json:"@id"`
	DisplayName     string          `json:"displayName"`
	CapabilityModel CapabilityModel `json:"capabilityModel"`
}

// CapabilityModel is a DTDL interface with its contents and extended interfaces.
type CapabilityModel struct {
	ID       string            `json:"@id"`
	Contents []Content         `json:"contents"`
	Extends  []CapabilityModel `json:"extends"`
}

// Content is one DTDL content entry. Type and Schema accept both the short and the expanded
// DTDL forms.
type Content struct {
	Type   StringList `json:"@type"`
	Name   string     `json:"name"`
	Schema Schema     `json:"schema"`
}

// StringList decodes either a JSON string or an array of strings.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Has reports whether v is one of the values, ignoring case.
func (s StringList) Has(v string) bool {
	for _, item := range s {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// Schema is a DTDL schema: either a primitive name such as "double" or an object, which for a
// component is an interface with its own contents.
type Schema struct {
	Name     string
	Type     StringList
	Contents []Content
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*s = Schema{Name: name}
		return nil
	}
	var obj struct {
		ID       string     `json:"@id"`
		Type     StringList `json:"@type"`
		Contents []Content  `json:"contents"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*s = Schema{Name: obj.ID, Type: obj.Type, Contents: obj.Contents}
	return nil
}

// TelemetryFields returns telemetry name to schema name for the template. Telemetry declared in
// components or extended interfaces is included. Object-typed telemetry maps to its schema type
// (for example "object"), which callers can treat as unchecked.
func (t DeviceTemplate) TelemetryFields() map[string]string {
	fields := make(map[string]string)
	t.CapabilityModel.collect(fields)
	return fields
}

func (m CapabilityModel) collect(fields map[string]string) {
	collectTelemetry(m.Contents, fields)
	for _, ext := range m.Extends {
		ext.collect(fields)
	}
}

func collectTelemetry(contents []Content, fields map[string]string) {
	for _, c := range contents {
		switch {
		case c.Type.Has("Telemetry"):
			name := c.Schema.Name
			if name == "" && len(c.Schema.Type) > 0 {
				name = strings.ToLower(c.Schema.Type[0])
			}
			fields[c.Name] = name
		case c.Type.Has("Component"):
			collectTelemetry(c.Schema.Contents, fields)
		}
	}
}

// TelemetryNames returns the sorted telemetry names of the template.
func (t DeviceTemplate) TelemetryNames() []string {
	fields := t.TelemetryFields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
