package inflow

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const meetingEventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["userKey", "meetingId", "startedAt", "transcript"],
	"properties": {
		"userKey": {"type": "string", "minLength": 1},
		"meetingId": {"type": "string", "minLength": 1},
		"startedAt": {"type": "string", "minLength": 1},
		"endedAt": {"type": "string"},
		"title": {"type": "string"},
		"transcript": {"type": "string", "minLength": 1}
	}
}`

const pageEventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["userKey", "pages"],
	"properties": {
		"userKey": {"type": "string", "minLength": 1},
		"pages": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["pageId", "content", "updatedAt"],
				"properties": {
					"pageId": {"type": "string", "minLength": 1},
					"title": {"type": "string"},
					"content": {"type": "string", "minLength": 1},
					"updatedAt": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

var (
	meetingEventSchema = mustCompileSchema("meeting-event.json", meetingEventSchemaJSON)
	pageEventSchema    = mustCompileSchema("page-event.json", pageEventSchemaJSON)
)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic("inflow: bad embedded schema " + name + ": " + err.Error())
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic("inflow: bad embedded schema " + name + ": " + err.Error())
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic("inflow: bad embedded schema " + name + ": " + err.Error())
	}
	return schema
}

// ValidateMeetingEvent checks an inbound meeting webhook body against the
// embedded schema before the adapter sees it.
func ValidateMeetingEvent(body any) error {
	if err := meetingEventSchema.Validate(body); err != nil {
		return &NormalizationError{Source: SourceMeeting, Reason: err.Error()}
	}
	return nil
}

// ValidatePageEvent checks an inbound workspace-page webhook body. The
// url_verification handshake is handled before this and never validated
// against the event schema.
func ValidatePageEvent(body any) error {
	if err := pageEventSchema.Validate(body); err != nil {
		return &NormalizationError{Source: SourceWorkspacePage, Reason: err.Error()}
	}
	return nil
}
