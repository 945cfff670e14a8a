package status

import (
	"bytes"
	"embed"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://stratum.dev/schemas/status/"

// Parser validates inbound message bodies against the per-type JSON schemas and decodes
// them into the matching Message.
type Parser struct {
	schemas map[MessageType]*jsonschema.Schema
}

func NewParser() (*Parser, error) {
	compiler := jsonschema.NewCompiler()
	types := []MessageType{TypeSync, TypeVerification, TypeTicketIngestion}

	for _, t := range types {
		raw, err := schemaFS.ReadFile("schemas/" + string(t) + ".json")
		if err != nil {
			return nil, errors.Wrapf(err, "read %s schema", t)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s schema", t)
		}
		if err := compiler.AddResource(schemaBaseURL+string(t)+".json", doc); err != nil {
			return nil, errors.Wrapf(err, "add %s schema", t)
		}
	}

	p := &Parser{schemas: make(map[MessageType]*jsonschema.Schema, len(types))}
	for _, t := range types {
		sch, err := compiler.Compile(schemaBaseURL + string(t) + ".json")
		if err != nil {
			return nil, errors.Wrapf(err, "compile %s schema", t)
		}
		p.schemas[t] = sch
	}
	return p, nil
}

// Parse returns a *ValidationError for anything that is not a well-formed message of a
// known type.
func (p *Parser) Parse(body []byte) (Message, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, &ValidationError{Reason: "malformed JSON", Cause: err}
	}
	obj, ok := inst.(map[string]any)
	if !ok {
		return nil, &ValidationError{Reason: "message must be a JSON object"}
	}
	typ, _ := obj["type"].(string)
	if typ == "" {
		return nil, &ValidationError{Reason: "missing type", Cause: ErrUnknownType}
	}

	kind := MessageType(typ)
	sch, ok := p.schemas[kind]
	if !ok {
		return nil, &ValidationError{Type: kind, Reason: "no handler for this type", Cause: ErrUnknownType}
	}
	if err := sch.Validate(inst); err != nil {
		return nil, &ValidationError{Type: kind, Reason: validationReason(err), Cause: err}
	}

	// The schemas accept integral numbers written as 42.0 or 1e2; rewrite them so they
	// decode into int64.
	if keys := countFields[kind]; len(keys) > 0 {
		normalized, err := normalizeCounts(obj, keys)
		if err != nil {
			return nil, &ValidationError{Type: kind, Reason: "decode payload", Cause: err}
		}
		body = normalized
	}

	switch kind {
	case TypeSync:
		var m SyncStatusMessage
		return decode(body, kind, &m)
	case TypeVerification:
		var m VerificationStatusMessage
		if _, err := decode(body, kind, &m); err != nil {
			return nil, err
		}
		if string(m.Options) == "null" {
			m.Options = nil
		}
		return m, nil
	default:
		var m TicketIngestionStatusMessage
		return decode(body, kind, &m)
	}
}

var countFields = map[MessageType][]string{
	TypeSync:            {"documents_processed"},
	TypeTicketIngestion: {"records_processed", "records_failed"},
}

func normalizeCounts(obj map[string]any, keys []string) ([]byte, error) {
	for _, key := range keys {
		n, ok := obj[key].(json.Number)
		if !ok {
			continue
		}
		r, ok := new(big.Rat).SetString(n.String())
		if !ok || !r.IsInt() || !r.Num().IsInt64() {
			return nil, errors.Errorf("%s is not a 64-bit integer: %s", key, n)
		}
		obj[key] = json.Number(r.Num().String())
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.Wrap(err, "re-encode message")
	}
	return out, nil
}

func decode[M Message](body []byte, kind MessageType, m *M) (Message, error) {
	if err := json.Unmarshal(body, m); err != nil {
		return nil, &ValidationError{Type: kind, Reason: "decode payload", Cause: err}
	}
	return *m, nil
}

func validationReason(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	// The first line only names the schema URL.
	if len(lines) > 1 {
		lines = lines[1:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimPrefix(strings.TrimSpace(l), "- ")
	}
	return strings.Join(lines, "; ")
}
