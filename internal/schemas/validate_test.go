package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	assert.Equal(t, []string{EmailEvents, MessagingEvent}, Names())
}

func TestValidate_EmailEvents(t *testing.T) {
	valid := `[{"message_id":"m-1","event_type":"delivered","timestamp":1712345678,
		"campaign_metadata":{"campaign_id":"c","entity_id":"e"}}]`
	require.NoError(t, Validate(EmailEvents, []byte(valid)))

	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"empty batch", `[]`, "(root)"},
		{"missing message id", `[{"event_type":"open","timestamp":1}]`, "0"},
		{"unknown event", `[{"message_id":"m","event_type":"exploded","timestamp":1}]`, "0.event_type"},
		{"string timestamp", `[{"message_id":"m","event_type":"open","timestamp":"now"}]`, "0.timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(EmailEvents, []byte(tt.doc))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.First().Field)
		})
	}
}

func TestValidate_MessagingEvent(t *testing.T) {
	valid := `{"message_id":"SM1","event_type":"read","channel":"whatsapp","timestamp":"2026-01-02T15:04:05Z"}`
	require.NoError(t, Validate(MessagingEvent, []byte(valid)))

	err := Validate(MessagingEvent, []byte(`{"message_id":"SM1","event_type":"read","channel":"email","timestamp":"2026-01-02T15:04:05Z"}`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "channel", ve.First().Field)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestValidate_MalformedJSON(t *testing.T) {
	err := Validate(MessagingEvent, []byte("{ invalid json }"))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "(root)", ve.First().Field)
}

func TestValidate_UnknownSchema(t *testing.T) {
	err := Validate("nope.json", []byte(`{}`))
	var le *SchemaLoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, err.Error(), "nope.json")
}

func TestValidateJSONString(t *testing.T) {
	schema := `{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`
	assert.NoError(t, ValidateJSONString(schema, `{"name":"x"}`))

	err := ValidateJSONString(schema, `{"name":1}`)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "name", ve.First().Field)

	err = ValidateJSONString(`{"type": 12}`, `{}`)
	var le *SchemaLoadError
	require.ErrorAs(t, err, &le)
}
