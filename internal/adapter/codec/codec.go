// Package codec maps envelopes to and from JSON text frames of the form
// {"type": <tag>, ...variant fields}.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/kaptinlin/jsonschema"

	"nightly-connect/internal/domain"
)

// Codec encodes and decodes envelopes, validating each against the JSON
// Schema of its tag. It is safe for concurrent use.
type Codec struct {
	schemas map[domain.MessageType]*jsonschema.Schema
}

// New compiles the schema of every known tag.
func New() (*Codec, error) {
	c := &Codec{schemas: make(map[domain.MessageType]*jsonschema.Schema, len(envelopeSchemas))}
	for _, t := range domain.MessageTypes() {
		s, ok := envelopeSchemas[t]
		if !ok {
			return nil, fmt.Errorf("codec: no schema for %s", t)
		}
		raw, err := json.Marshal(messageSchema(t, s))
		if err != nil {
			return nil, fmt.Errorf("codec: marshal schema %s: %w", t, err)
		}
		compiled, err := jsonschema.NewCompiler().Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("codec: compile schema %s: %w", t, err)
		}
		c.schemas[t] = compiled
	}
	return c, nil
}

var (
	defaultOnce  sync.Once
	defaultCodec *Codec
)

// Default returns a shared codec. It panics if the built-in schemas fail to
// compile, which is a programming error.
func Default() *Codec {
	defaultOnce.Do(func() {
		c, err := New()
		if err != nil {
			panic(err)
		}
		defaultCodec = c
	})
	return defaultCodec
}

// Encode serializes env deterministically: the type tag first, then the
// variant fields in declaration order. The result is validated against the
// tag's schema so every encodable envelope decodes back to itself.
func (c *Codec) Encode(env domain.Envelope) ([]byte, error) {
	if env == nil {
		return nil, domain.NewDomainError("codec.Encode", domain.ErrInvalidInput, "nil envelope")
	}
	t := env.Type()
	body, err := json.Marshal(env)
	if err != nil {
		return nil, domain.NewDomainError("codec.Encode", domain.ErrMalformedPayload, err.Error())
	}
	if string(body) == "null" {
		return nil, domain.NewDomainError("codec.Encode", domain.ErrInvalidInput, "nil "+string(t))
	}

	tag, err := json.Marshal(string(t))
	if err != nil {
		return nil, domain.NewDomainError("codec.Encode", domain.ErrMalformedPayload, err.Error())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	frame := buf.Bytes()

	var doc any
	if err := json.Unmarshal(frame, &doc); err != nil {
		return nil, domain.NewDomainError("codec.Encode", domain.ErrMalformedPayload, err.Error())
	}
	if err := c.validate(t, doc); err != nil {
		return nil, domain.NewDomainError("codec.Encode", domain.ErrMalformedPayload, err.Error())
	}
	return frame, nil
}

// Decode parses one frame. Failures wrap domain.ErrUnparsableFrame,
// domain.ErrUnknownType or domain.ErrMalformedPayload.
func (c *Codec) Decode(frame []byte) (domain.Envelope, error) {
	if !utf8.Valid(frame) {
		return nil, domain.NewDomainError("codec.Decode", domain.ErrUnparsableFrame, "invalid utf-8")
	}
	var doc any
	if err := json.Unmarshal(frame, &doc); err != nil {
		return nil, domain.NewDomainError("codec.Decode", domain.ErrUnparsableFrame, err.Error())
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, domain.NewDomainError("codec.Decode", domain.ErrMalformedPayload, "frame is not an object")
	}
	tag, ok := obj["type"].(string)
	if !ok {
		return nil, domain.NewDomainError("codec.Decode", domain.ErrMalformedPayload, "missing type tag")
	}

	t := domain.MessageType(tag)
	env, known := domain.NewEnvelope(t)
	if !known {
		return nil, domain.NewDomainError("codec.Decode", domain.ErrUnknownType, fmt.Sprintf("tag %q", tag))
	}
	if err := c.validate(t, obj); err != nil {
		return nil, domain.NewDomainError("codec.Decode", domain.ErrMalformedPayload, err.Error())
	}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, domain.NewDomainError("codec.Decode", domain.ErrMalformedPayload, err.Error())
	}
	return env, nil
}

func (c *Codec) validate(t domain.MessageType, doc any) error {
	schema, ok := c.schemas[t]
	if !ok {
		return fmt.Errorf("no schema for %s", t)
	}
	result := schema.Validate(doc)
	if !result.IsValid() {
		return fmt.Errorf("%s: %s", t, result.Error())
	}
	return nil
}
