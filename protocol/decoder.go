package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"gridpresence/grid"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var schemaTypes = []string{TypeInit, TypePlayerJoined, TypePlayerLeft, TypePlayerMoved, TypeMove}

const schemaBaseURL = "https://gridpresence.local/"

// Decoder 校验并解析帧：先按 JSON Schema 校验结构，再检查坐标是否在地图内
type Decoder struct {
	bounds  grid.Bounds
	schemas map[string]*jsonschema.Schema
}

// NewDecoder 编译内嵌的消息 schema
func NewDecoder(bounds grid.Bounds) (*Decoder, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, t := range schemaTypes {
		name := "schemas/" + t + ".schema.json"
		raw, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", t, err)
		}
		if err := c.AddResource(schemaBaseURL+name, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", t, err)
		}
	}
	d := &Decoder{bounds: bounds, schemas: make(map[string]*jsonschema.Schema, len(schemaTypes))}
	for _, t := range schemaTypes {
		s, err := c.Compile(schemaBaseURL + "schemas/" + t + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", t, err)
		}
		d.schemas[t] = s
	}
	return d, nil
}

// Decode 解析一帧；结构非法或坐标越界返回 ErrMalformed，未知类型返回 ErrUnknownType
func (d *Decoder) Decode(b []byte) (Message, error) {
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	typ, _ := obj["type"].(string)
	schema, ok := d.schemas[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, typ, err)
	}

	var (
		msg   Message
		cells []grid.Position
	)
	switch typ {
	case TypeInit:
		var m InitMsg
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cells = append(cells, m.YourPosition.Cell())
		for _, p := range m.Players {
			cells = append(cells, p.Position.Cell())
		}
		msg = m
	case TypePlayerJoined:
		var m PlayerJoinedMsg
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cells = append(cells, m.Position.Cell())
		msg = m
	case TypePlayerLeft:
		var m PlayerLeftMsg
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg = m
	case TypePlayerMoved:
		var m PlayerMovedMsg
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cells = append(cells, m.Position.Cell())
		msg = m
	case TypeMove:
		var m MoveMsg
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cells = append(cells, m.Cell())
		msg = m
	}
	for _, c := range cells {
		if !d.bounds.Contains(c) {
			return nil, fmt.Errorf("%w: %s: position %s out of bounds", ErrMalformed, typ, c)
		}
	}
	return msg, nil
}
